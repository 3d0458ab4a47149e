package socket

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Protocol selects the framing spoken over the websocket.
type Protocol string

const (
	// ProtocolJSON frames every message as {"event": name, "data": payload}
	// on <base>/socket. The bundled dev server speaks it.
	ProtocolJSON Protocol = "json"
	// ProtocolSocketIO speaks Socket.IO v5 over the Engine.IO v4 websocket
	// transport on <base>/socket.io/, as socket.io servers expect.
	ProtocolSocketIO Protocol = "socketio"
)

// ParseProtocol accepts the names used in configuration.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return ProtocolJSON, nil
	case "socketio", "socket.io":
		return ProtocolSocketIO, nil
	}
	return "", errors.Errorf("unknown socket protocol %q", s)
}

// Endpoint derives the socket endpoint for p from the REST base URL.
func Endpoint(p Protocol, baseURL, userID string) (string, error) {
	if p != ProtocolSocketIO {
		return EndpointURL(baseURL, userID)
	}
	u, err := wsURL(baseURL)
	if err != nil {
		return "", err
	}
	u.Path = "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type decoded struct {
	event *Event
	// reply is written back to the server, e.g. a heartbeat pong.
	reply     []byte
	malformed bool
}

type codec interface {
	protocol() Protocol
	// handshake runs right after the websocket upgrade.
	handshake(conn *websocket.Conn) error
	encode(event string, data json.RawMessage) ([]byte, error)
	// decode returns an error only when the server ended the session.
	decode(msg []byte) (decoded, error)
	// goodbye is sent before a client-initiated close, if not nil.
	goodbye() []byte
}

func newCodec(p Protocol, token string) (codec, error) {
	switch p {
	case "", ProtocolJSON:
		return jsonCodec{}, nil
	case ProtocolSocketIO:
		return socketIOCodec{token: token}, nil
	}
	return nil, errors.Errorf("unknown socket protocol %q", p)
}

type jsonCodec struct{}

func (jsonCodec) protocol() Protocol { return ProtocolJSON }

func (jsonCodec) handshake(*websocket.Conn) error { return nil }

func (jsonCodec) encode(event string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(frame{Event: event, Data: data})
}

func (jsonCodec) decode(msg []byte) (decoded, error) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil || f.Event == "" {
		return decoded{malformed: true}, nil
	}
	return decoded{event: &Event{Name: f.Event, Data: f.Data}}, nil
}

func (jsonCodec) goodbye() []byte { return nil }

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO packet types, carried inside Engine.IO messages.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

// socketIOCodec speaks to the default namespace only.
type socketIOCodec struct {
	token string
}

func (socketIOCodec) protocol() Protocol { return ProtocolSocketIO }

func (c socketIOCodec) handshake(conn *websocket.Conn) error {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "reading open packet")
	}
	if len(msg) == 0 || msg[0] != eioOpen {
		return errors.Errorf("expected open packet, got %q", msg)
	}

	connect := []byte{eioMessage, sioConnect}
	if c.token != "" {
		auth, err := json.Marshal(map[string]string{"token": c.token})
		if err != nil {
			return err
		}
		connect = append(connect, auth...)
	}
	if err := conn.WriteMessage(websocket.TextMessage, connect); err != nil {
		return errors.Wrap(err, "sending connect packet")
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "waiting for connect ack")
		}
		if len(msg) == 1 && msg[0] == eioPing {
			if err := conn.WriteMessage(websocket.TextMessage, []byte{eioPong}); err != nil {
				return err
			}
			continue
		}
		if len(msg) < 2 || msg[0] != eioMessage {
			continue
		}
		switch msg[1] {
		case sioConnect:
			return nil
		case sioConnectError:
			return errors.Errorf("connection refused: %s", connectErrorMessage(msg[2:]))
		}
	}
}

func connectErrorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return string(body)
}

func (socketIOCodec) encode(event string, data json.RawMessage) ([]byte, error) {
	args := []json.RawMessage{nil, data}
	name, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	args[0] = name
	if len(data) == 0 {
		args = args[:1]
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return append([]byte{eioMessage, sioEvent}, body...), nil
}

func (socketIOCodec) decode(msg []byte) (decoded, error) {
	if len(msg) == 0 {
		return decoded{malformed: true}, nil
	}
	switch msg[0] {
	case eioPing:
		return decoded{reply: append([]byte{eioPong}, msg[1:]...)}, nil
	case eioPong, eioNoop, eioOpen:
		return decoded{}, nil
	case eioClose:
		return decoded{}, errors.New("server closed the session")
	case eioMessage:
	default:
		return decoded{malformed: true}, nil
	}

	if len(msg) < 2 {
		return decoded{malformed: true}, nil
	}
	switch msg[1] {
	case sioEvent:
	case sioDisconnect:
		return decoded{}, errors.New("server disconnected the namespace")
	case sioConnect:
		return decoded{}, nil
	default:
		return decoded{malformed: true}, nil
	}

	body := msg[2:]
	// skip a namespace ("/ns,") and an ack id
	if len(body) > 0 && body[0] == '/' {
		if i := strings.IndexByte(string(body), ','); i >= 0 {
			body = body[i+1:]
		}
	}
	for len(body) > 0 && body[0] >= '0' && body[0] <= '9' {
		body = body[1:]
	}

	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil || len(args) == 0 {
		return decoded{malformed: true}, nil
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return decoded{malformed: true}, nil
	}
	ev := Event{Name: name}
	if len(args) > 1 {
		ev.Data = args[1]
	}
	return decoded{event: &ev}, nil
}

func (socketIOCodec) goodbye() []byte {
	return []byte{eioMessage, sioDisconnect}
}
