package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"csgo-arbiter/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type received struct {
	channel string
	ev      Event
}

type recorder struct {
	mu     sync.Mutex
	events []received
	got    chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 64)} }

func (r *recorder) Handle(_ context.Context, channel string, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, received{channel, ev})
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []received {
	t.Helper()
	for range n {
		select {
		case <-r.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.events...)
}

type frame struct {
	tag     string
	payload map[string]any
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	var raw []json.RawMessage
	_, data, err := conn.ReadMessage()
	if !assert.NoError(t, err) {
		return frame{}
	}
	assert.NoError(t, json.Unmarshal(data, &raw))
	var f frame
	if assert.Len(t, raw, 2) {
		assert.NoError(t, json.Unmarshal(raw[0], &f.tag))
		_ = json.Unmarshal(raw[1], &f.payload)
	}
	return f
}

func listing(id string, cents int64) string {
	return `{"id":"` + id + `","price":` + jsonInt(cents) +
		`,"created_at":"2026-01-02T03:04:05Z","item":{"market_hash_name":"AK-47 | Redline (Field-Tested)","float_value":0.21,"stickers":[{"name":"Crown (Foil)"}]}}`
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

var upgrader = websocket.Upgrader{}

// handshake answers the client's authenticate and subscribe requests and
// returns the channels it subscribed to.
func handshake(t *testing.T, conn *websocket.Conn, channels int) []string {
	auth := readFrame(t, conn)
	assert.Equal(t, TagAuthenticate, auth.tag)
	assert.Equal(t, "secret", auth.payload["token"])
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["authenticate",{"success":true}]`)))

	var subs []string
	for range channels {
		f := readFrame(t, conn)
		assert.Equal(t, TagSubscribe, f.tag)
		ch, _ := f.payload["channel"].(string)
		subs = append(subs, ch)
	}
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["subscribe",{"success":true}]`)))
	return subs
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestHandshakeOrderingAndMalformedFrames(t *testing.T) {
	subsCh := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		subsCh <- handshake(t, conn, 3)

		for _, msg := range []string{
			`not json`,
			`["listed"]`,
			`["bogus",{}]`,
			`["listed",{"price":100}]`,
			`["listed",` + listing("L1", 7000) + `]`,
			`["price_changed",` + listing("L1", 6550) + `]`,
			`["delisted",{"id":"L1"}]`,
		} {
			assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		}
		// hold the connection until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	rec := newRecorder()
	r := New(Config{URL: wsURL(srv), Token: "secret", PingInterval: time.Second}, rec, zaptest.NewLogger(t), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	got := rec.wait(t, 3)
	assert.Equal(t, []string{ChannelListed, ChannelPriceChanged, ChannelDelisted}, <-subsCh)
	require.Len(t, got, 3)
	assert.Equal(t, ChannelListed, got[0].channel)
	assert.Equal(t, "L1", got[0].ev.ListingID)
	assert.Equal(t, 70.0, got[0].ev.Price)
	assert.Equal(t, "AK-47 | Redline (Field-Tested)", got[0].ev.ExternalID)
	require.NotNil(t, got[0].ev.FloatValue)
	assert.InDelta(t, 0.21, *got[0].ev.FloatValue, 1e-9)
	assert.Equal(t, []string{"Crown (Foil)"}, got[0].ev.Stickers)
	assert.Equal(t, ChannelPriceChanged, got[1].channel)
	assert.Equal(t, 65.5, got[1].ev.Price)
	assert.Equal(t, ChannelDelisted, got[2].channel)

	assert.Equal(t, Receiving, r.State())
	st := r.Status()
	assert.EqualValues(t, 4, st.Dropped)
	assert.EqualValues(t, 3, st.Events)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FeedEvents.WithLabelValues(ChannelListed, "handled")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.FeedEvents.WithLabelValues("bogus", "dropped")))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reactor did not stop")
	}
	assert.Equal(t, Disconnected, r.State())
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	var sessions atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)
		handshake(t, conn, 1)
		id := "first"
		if n > 1 {
			id = "second"
		}
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["listed",`+listing(id, 100)+`]`)))
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	m := metrics.New(prometheus.NewRegistry())
	rec := newRecorder()
	r := New(Config{
		URL:          wsURL(srv),
		Token:        "secret",
		Channels:     []string{ChannelListed},
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
		PingInterval: time.Second,
	}, rec, zaptest.NewLogger(t), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	got := rec.wait(t, 2)
	assert.Equal(t, "first", got[0].ev.ListingID)
	assert.Equal(t, "second", got[1].ev.ListingID)
	assert.GreaterOrEqual(t, promtest.ToFloat64(m.FeedReconnects), 1.0)
	assert.GreaterOrEqual(t, r.Status().Sessions, int64(2))

	cancel()
	assert.NoError(t, <-done)
}

func TestRejectedAuthenticationNeverSubscribes(t *testing.T) {
	var sessions atomic.Int32
	var subscribes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		sessions.Add(1)
		readFrame(t, conn)
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["authenticate",{"success":false}]`)))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), TagSubscribe) {
				subscribes.Add(1)
			}
		}
	}))
	defer srv.Close()

	r := New(Config{
		URL:          wsURL(srv),
		Token:        "bad",
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		PingInterval: time.Second,
	}, newRecorder(), zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Zero(t, subscribes.Load())
}

// slowHandler blocks on the first event longer than the pong window.
type slowHandler struct {
	*recorder
	delay time.Duration
	calls atomic.Int32
}

func (h *slowHandler) Handle(ctx context.Context, channel string, ev Event) error {
	if h.calls.Add(1) == 1 {
		time.Sleep(h.delay)
	}
	return h.recorder.Handle(ctx, channel, ev)
}

func TestSlowHandlerKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		handshake(t, conn, 1)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["listed",`+listing("A", 100)+`]`)))
		time.Sleep(300 * time.Millisecond)
		assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["listed",`+listing("B", 100)+`]`)))
		<-closed
	}))
	defer srv.Close()

	h := &slowHandler{recorder: newRecorder(), delay: 500 * time.Millisecond}
	r := New(Config{
		URL:          wsURL(srv),
		Token:        "secret",
		Channels:     []string{ChannelListed},
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		PingInterval: 100 * time.Millisecond,
	}, h, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	got := h.wait(t, 2)
	assert.Equal(t, "A", got[0].ev.ListingID)
	assert.Equal(t, "B", got[1].ev.ListingID)

	// pings keep the session alive well past the pong window
	time.Sleep(400 * time.Millisecond)
	assert.EqualValues(t, 1, r.Status().Sessions)

	cancel()
	assert.NoError(t, <-done)
}
