package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/spotsync/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type wsServer struct {
	server   *httptest.Server
	conns    chan *websocket.Conn
	received chan Frame
	auth     chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan Frame, 64),
		auth:     make(chan string, 4),
	}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var frame Frame
			if err := wsjson.Read(context.Background(), conn, &frame); err != nil {
				return
			}
			s.received <- frame
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func (s *wsServer) nextFrame(t *testing.T) Frame {
	t.Helper()
	select {
	case frame := <-s.received:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
		return Frame{}
	}
}

func startChannel(t *testing.T, ch *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func joinFrame(topic string) Frame {
	data, _ := json.Marshal(topic)
	return Frame{Event: "spot:join", Data: data}
}

func TestChannelJoinsAndDispatches(t *testing.T) {
	s := newWSServer(t)
	ch := New(Options{
		Dialer:     WebsocketDialer{URL: s.url(), Token: func() string { return "tok" }},
		MinBackoff: 10 * time.Millisecond,
	})

	got := make(chan Frame, 1)
	ch.OnEvent(EventConditionNew, func(f Frame) { got <- f })
	require.NoError(t, ch.JoinTopic(context.Background(), "s1"))
	startChannel(t, ch)

	require.Equal(t, "Bearer tok", <-s.auth)
	conn := s.nextConn(t)
	require.Equal(t, joinFrame("s1"), s.nextFrame(t))
	require.Eventually(t, ch.Connected, time.Second, time.Millisecond)

	require.NoError(t, wsjson.Write(context.Background(), conn, Frame{
		Event: EventConditionNew,
		Data:  json.RawMessage(`{"spotId":"s1","condition":{}}`),
	}))
	select {
	case f := <-got:
		require.JSONEq(t, `{"spotId":"s1","condition":{}}`, string(f.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestChannelRefcountsTopics(t *testing.T) {
	s := newWSServer(t)
	ch := New(Options{Dialer: WebsocketDialer{URL: s.url()}, MinBackoff: 10 * time.Millisecond})
	startChannel(t, ch)
	s.nextConn(t)
	require.Eventually(t, ch.Connected, time.Second, time.Millisecond)

	ctx := context.Background()
	require.NoError(t, ch.JoinTopic(ctx, "s1"))
	require.NoError(t, ch.JoinTopic(ctx, "s1"))
	require.Equal(t, joinFrame("s1"), s.nextFrame(t))

	require.NoError(t, ch.LeaveTopic(ctx, "s1"))
	require.NoError(t, ch.LeaveTopic(ctx, "s1"))
	leave := s.nextFrame(t)
	require.Equal(t, "spot:leave", leave.Event)
	require.JSONEq(t, `"s1"`, string(leave.Data))
	require.Empty(t, ch.Topics())

	select {
	case extra := <-s.received:
		t.Fatalf("unexpected frame %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestChannelRejoinsAfterDrop(t *testing.T) {
	s := newWSServer(t)
	ch := New(Options{Dialer: WebsocketDialer{URL: s.url()}, MinBackoff: 10 * time.Millisecond})
	require.NoError(t, ch.JoinTopic(context.Background(), "s1"))
	require.NoError(t, ch.JoinTopic(context.Background(), "s2"))
	startChannel(t, ch)

	first := s.nextConn(t)
	joined := map[string]bool{}
	for i := 0; i < 2; i++ {
		var topic string
		require.NoError(t, json.Unmarshal(s.nextFrame(t).Data, &topic))
		joined[topic] = true
	}
	require.Equal(t, map[string]bool{"s1": true, "s2": true}, joined)

	require.NoError(t, first.Close(websocket.StatusGoingAway, "restart"))

	s.nextConn(t)
	rejoined := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := s.nextFrame(t)
		require.Equal(t, "spot:join", frame.Event)
		var topic string
		require.NoError(t, json.Unmarshal(frame.Data, &topic))
		rejoined[topic] = true
	}
	require.Equal(t, joined, rejoined)
}

type recordingTarget struct {
	mu       sync.Mutex
	keys     []model.Key
	prefixes []model.Key
}

func (r *recordingTarget) Invalidate(key model.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recordingTarget) InvalidatePrefix(prefix model.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefix)
}

func TestInvalidatorMapsEvents(t *testing.T) {
	cases := []struct {
		event    string
		data     string
		keys     []model.Key
		prefixes []model.Key
	}{
		{
			event:    EventConditionNew,
			data:     `{"spotId":"s1","condition":{}}`,
			keys:     []model.Key{"spot/s1/conditions", "spot/s1"},
			prefixes: []model.Key{"spots"},
		},
		{
			event: EventConditionConfirmed,
			data:  `{"spotId":"s1","conditionId":"c1","confirmCount":4}`,
			keys:  []model.Key{"spot/s1/conditions"},
		},
		{
			event:    EventSessionExpired,
			data:     `{"spotId":"s1","sessionId":"x1"}`,
			keys:     []model.Key{"spot/s1/sessions", "spot/s1"},
			prefixes: []model.Key{"spots"},
		},
		{
			event:    EventSpotUpdated,
			data:     `{"spot":{"id":"s1"}}`,
			prefixes: []model.Key{"spots", "spot/s1"},
		},
		{
			event:    EventModerationAction,
			data:     `{"action":"SPOT_DELETED","targetType":"SPOT","targetId":"s1","adminId":"a","timestamp":"2026-01-01T00:00:00Z"}`,
			keys:     []model.Key{"wiki/s1"},
			prefixes: []model.Key{"spots", "spot/s1"},
		},
		{
			event:    EventModerationAction,
			data:     `{"action":"WIKI_REVERTED","targetType":"WIKI","targetId":"w1"}`,
			prefixes: []model.Key{"wiki"},
		},
		{
			event: EventModerationAction,
			data:  `{"action":"USER_BLOCKED","targetType":"USER","targetId":"u1"}`,
		},
		{
			event: "chat:message",
			data:  `{"spotId":"s1"}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.event, func(t *testing.T) {
			target := &recordingTarget{}
			NewInvalidator(target, nil).Handle(Frame{Event: tc.event, Data: json.RawMessage(tc.data)})
			require.Equal(t, tc.keys, target.keys)
			require.Equal(t, tc.prefixes, target.prefixes)
		})
	}
}
