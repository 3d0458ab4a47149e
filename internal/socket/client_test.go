package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	auth     []string
	received chan frame
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{t: t, received: make(chan frame, 16)}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.auth = append(ts.auth, r.Header.Get("Authorization"))
	ts.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if json.Unmarshal(data, &f) == nil {
			ts.received <- f
		}
	}
}

func (ts *testServer) conn(i int) *websocket.Conn {
	require.Eventually(ts.t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.conns) > i
	}, 2*time.Second, 10*time.Millisecond)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns[i]
}

func (ts *testServer) push(i int, event string, data any) {
	payload, err := json.Marshal(data)
	require.NoError(ts.t, err)
	require.NoError(ts.t, ts.conn(i).WriteJSON(frame{Event: event, Data: payload}))
}

func dial(t *testing.T, ts *testServer) *Client {
	t.Helper()
	url, err := EndpointURL(ts.URL, "user-1")
	require.NoError(t, err)

	c, err := Dial(context.Background(), Config{
		URL:        url,
		Token:      "tok",
		Logger:     zerolog.Nop(),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEndpointURL(t *testing.T) {
	u, err := EndpointURL("http://localhost:3000", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3000/socket?userId=abc", u)

	u, err = EndpointURL("https://chat.example.com/api/", "a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/api/socket?userId=a+b", u)

	_, err = EndpointURL("ftp://x", "abc")
	assert.Error(t, err)
}

func TestEmitAndReceive(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts)

	require.NoError(t, c.Emit(context.Background(), "sendMessage", map[string]string{"message": "hi"}))

	select {
	case f := <-ts.received:
		assert.Equal(t, "sendMessage", f.Event)
		assert.JSONEq(t, `{"message":"hi"}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}

	ts.push(0, "receiveMessage", map[string]string{"id": "m-1"})
	ev := nextEvent(t, c)
	assert.Equal(t, "receiveMessage", ev.Name)
	assert.JSONEq(t, `{"id":"m-1"}`, string(ev.Data))

	ts.mu.Lock()
	assert.Equal(t, "Bearer tok", ts.auth[0])
	ts.mu.Unlock()
}

func TestMalformedFramesAreDropped(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts)

	require.NoError(t, ts.conn(0).WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, ts.conn(0).WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	ts.push(0, "newMessage", map[string]string{"id": "m-2"})

	assert.Equal(t, "newMessage", nextEvent(t, c).Name)
}

func TestReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts)

	require.NoError(t, ts.conn(0).Close())

	ts.push(1, "receiveMessage", map[string]string{"id": "after"})
	ev := nextEvent(t, c)
	assert.JSONEq(t, `{"id":"after"}`, string(ev.Data))

	require.NoError(t, c.Emit(context.Background(), "sendMessage", map[string]string{"message": "again"}))
	select {
	case f := <-ts.received:
		assert.JSONEq(t, `{"message":"again"}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame after reconnect")
	}
}

func TestCloseStopsClient(t *testing.T) {
	ts := newTestServer(t)
	c := dial(t, ts)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, ok := <-c.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, c.Emit(context.Background(), "sendMessage", nil), ErrClosed)
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestCloseDuringReconnectDoesNotWaitForDial(t *testing.T) {
	release := make(chan struct{})
	redialing := make(chan struct{}, 1)
	var upgrader websocket.Upgrader
	var mu sync.Mutex
	var first *websocket.Conn

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if first != nil {
			mu.Unlock()
			select {
			case redialing <- struct{}{}:
			default:
			}
			// never answer the handshake
			<-release
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			mu.Unlock()
			return
		}
		first = conn
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := Dial(context.Background(), Config{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket",
		Logger:     zerolog.Nop(),
		MinBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	mu.Lock()
	require.NoError(t, first.Close())
	mu.Unlock()

	select {
	case <-redialing:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not redial")
	}

	start := time.Now()
	require.NoError(t, c.Close())
	assert.Less(t, time.Since(start), 2*time.Second)
}

// socketIOServer speaks just enough Engine.IO v4 / Socket.IO v5 for the
// client: open packet, namespace connect, heartbeats and events.
type socketIOServer struct {
	*httptest.Server
	t        *testing.T
	refuse   bool
	connect  chan string
	pongs    chan string
	received chan string
	conns    chan *websocket.Conn
}

func newSocketIOServer(t *testing.T, refuse bool) *socketIOServer {
	ts := &socketIOServer{
		t:        t,
		refuse:   refuse,
		connect:  make(chan string, 1),
		pongs:    make(chan string, 4),
		received: make(chan string, 16),
		conns:    make(chan *websocket.Conn, 1),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *socketIOServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	var upgrader websocket.Upgrader
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"eio-1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	ts.connect <- string(msg)
	if ts.refuse {
		conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"unauthorized"}`))
		conn.Close()
		return
	}
	conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"sio-1"}`))
	ts.conns <- conn

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(msg) == "3" {
			ts.pongs <- string(msg)
			continue
		}
		ts.received <- string(msg)
	}
}

func TestSocketIOProtocol(t *testing.T) {
	ts := newSocketIOServer(t, false)
	url, err := Endpoint(ProtocolSocketIO, ts.URL, "user-1")
	require.NoError(t, err)

	c, err := Dial(context.Background(), Config{
		URL:      url,
		Token:    "tok",
		Protocol: ProtocolSocketIO,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, `40{"token":"tok"}`, <-ts.connect)
	conn := <-ts.conns

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("2")))
	select {
	case pong := <-ts.pongs:
		assert.Equal(t, "3", pong)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat reply")
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`42["receiveMessage",{"id":"m-1"}]`)))
	ev := nextEvent(t, c)
	assert.Equal(t, "receiveMessage", ev.Name)
	assert.JSONEq(t, `{"id":"m-1"}`, string(ev.Data))

	require.NoError(t, c.Emit(context.Background(), "sendMessage", map[string]string{"message": "hi"}))
	select {
	case got := <-ts.received:
		assert.Equal(t, `42["sendMessage",{"message":"hi"}]`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive event")
	}
}

func TestSocketIOConnectRefused(t *testing.T) {
	ts := newSocketIOServer(t, true)
	url, err := Endpoint(ProtocolSocketIO, ts.URL, "user-1")
	require.NoError(t, err)

	_, err = Dial(context.Background(), Config{URL: url, Protocol: ProtocolSocketIO, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestEndpointForProtocol(t *testing.T) {
	u, err := Endpoint(ProtocolSocketIO, "https://chat.example.com", "abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://chat.example.com/socket.io/?EIO=4&transport=websocket&userId=abc", u)

	u, err = Endpoint(ProtocolJSON, "http://localhost:3000", "abc")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3000/socket?userId=abc", u)

	p, err := ParseProtocol("socket.io")
	require.NoError(t, err)
	assert.Equal(t, ProtocolSocketIO, p)
	p, err = ParseProtocol("")
	require.NoError(t, err)
	assert.Equal(t, ProtocolJSON, p)
	_, err = ParseProtocol("mqtt")
	assert.Error(t, err)
}

func TestSocketIODecode(t *testing.T) {
	var c socketIOCodec
	for _, tc := range []struct {
		in        string
		name      string
		data      string
		reply     string
		malformed bool
		fails     bool
	}{
		{in: `42["newMessage",{"id":"1"}]`, name: "newMessage", data: `{"id":"1"}`},
		{in: `42/chat,7["newMessage",{"id":"2"}]`, name: "newMessage", data: `{"id":"2"}`},
		{in: `42["ping"]`, name: "ping"},
		{in: "2", reply: "3"},
		{in: "3"},
		{in: "6"},
		{in: `40{"sid":"x"}`},
		{in: "42not json", malformed: true},
		{in: "42[]", malformed: true},
		{in: "x", malformed: true},
		{in: "1", fails: true},
		{in: "41", fails: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			res, err := c.decode([]byte(tc.in))
			if tc.fails {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.malformed, res.malformed)
			assert.Equal(t, tc.reply, string(res.reply))
			if tc.name == "" {
				assert.Nil(t, res.event)
				return
			}
			require.NotNil(t, res.event)
			assert.Equal(t, tc.name, res.event.Name)
			if tc.data != "" {
				assert.JSONEq(t, tc.data, string(res.event.Data))
			}
		})
	}
}
