// Package socket is the client side of the backend's event socket. Events are
// framed either as JSON objects {"event": name, "data": payload} or as
// Socket.IO packets, see Protocol.
package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var ErrClosed = errors.New("socket closed")

type Event struct {
	Name string
	Data json.RawMessage
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	data   []byte
	result chan error
}

type Config struct {
	// URL is the websocket endpoint, see Endpoint.
	URL      string
	Token    string
	Protocol Protocol
	Logger   zerolog.Logger
	Dialer   *websocket.Dialer

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps one connection open, redialing with exponential backoff after
// it drops. Emits issued while disconnected wait for the next connection or
// for their context.
type Client struct {
	cfg    Config
	codec  codec
	log    zerolog.Logger
	events chan Event
	out    chan outbound

	// ctx is cancelled by Close and bounds reconnect dials.
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// EndpointURL derives the JSON-framed socket endpoint from the REST base URL.
func EndpointURL(baseURL, userID string) (string, error) {
	u, err := wsURL(baseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func wsURL(baseURL string) (*url.URL, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing base url")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// Dial connects once synchronously so configuration errors surface to the
// caller, then keeps the connection alive in the background.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}

	cd, err := newCodec(cfg.Protocol, cfg.Token)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		codec:  cd,
		log:    cfg.Logger.With().Str("component", "socket").Str("protocol", string(cd.protocol())).Logger(),
		events: make(chan Event, 64),
		out:    make(chan outbound),
		done:   make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.dial(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

// Events delivers incoming frames. The channel is closed by Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Emit writes one frame and returns once it is on the wire.
func (c *Client) Emit(ctx context.Context, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "encoding payload")
	}
	msg, err := c.codec.encode(event, payload)
	if err != nil {
		return errors.Wrap(err, "encoding frame")
	}

	ob := outbound{data: msg, result: make(chan error, 1)}
	select {
	case c.out <- ob:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-ob.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Close stops the client. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		c.wg.Wait()
		close(c.events)
	})
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing socket (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dialing socket")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	if err := c.codec.handshake(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "socket handshake")
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	backoff := c.cfg.MinBackoff
	for {
		err := c.serve(conn)
		select {
		case <-c.done:
			return
		default:
		}
		c.log.Warn().Err(err).Msg("connection lost, reconnecting")

		for {
			timer := time.NewTimer(backoff)
			select {
			case <-c.done:
				timer.Stop()
				return
			case <-timer.C:
			}

			conn, err = c.redial()
			if errors.Is(err, ErrClosed) {
				return
			}
			if err == nil {
				c.log.Info().Msg("reconnected")
				backoff = c.cfg.MinBackoff
				break
			}
			c.log.Debug().Err(err).Dur("backoff", backoff).Msg("reconnect failed")
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
		}
	}
}

// redial gives up as soon as the client is closed; a dial still in flight
// then closes its connection when it completes.
func (c *Client) redial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()

	type result struct {
		conn *websocket.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dial(ctx)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-c.done:
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ErrClosed
	}
}

// serve pumps one connection until it fails or the client is closed.
func (c *Client) serve(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	replies := make(chan []byte, 8)
	go func() {
		readErr <- c.readPump(conn, replies)
	}()

	readDone, err := c.writePump(conn, readErr, replies)
	conn.Close()
	if !readDone {
		<-readErr
	}
	return err
}

// readPump decodes incoming frames. Protocol-level answers such as
// heartbeat replies go to replies for the write pump to send.
func (c *Client) readPump(conn *websocket.Conn, replies chan<- []byte) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		res, err := c.codec.decode(data)
		if err != nil {
			return err
		}
		if res.reply != nil {
			select {
			case replies <- res.reply:
			default:
				c.log.Debug().Msg("dropping heartbeat reply")
			}
		}
		if res.event == nil {
			if res.malformed {
				c.log.Debug().Msg("dropping malformed frame")
			}
			continue
		}

		select {
		case c.events <- *res.event:
		case <-c.done:
			return ErrClosed
		}
	}
}

// writePump reports whether the read pump has already returned.
func (c *Client) writePump(conn *websocket.Conn, readErr <-chan error, replies <-chan []byte) (bool, error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if bye := c.codec.goodbye(); bye != nil {
				conn.WriteMessage(websocket.TextMessage, bye)
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return false, ErrClosed

		case reply := <-replies:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return false, err
			}

		case err := <-readErr:
			return true, err

		case ob := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.TextMessage, ob.data)
			ob.result <- err
			if err != nil {
				return false, err
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return false, err
			}
		}
	}
}
