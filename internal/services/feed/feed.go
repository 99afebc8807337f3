package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"csgo-arbiter/internal/logging"
	"csgo-arbiter/internal/marketplace"
	"csgo-arbiter/internal/metrics"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection lifecycle of the reactor.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Subscribed
	Receiving
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Control tags acknowledge client requests.
const (
	TagAuthenticate   = "authenticate"
	TagDeauthenticate = "deauthenticate"
	TagSubscribe      = "subscribe"
	TagUnsubscribe    = "unsubscribe"
	TagUnsubscribeAll = "unsubscribe_all"
	TagError          = "error"
)

// Event channels.
const (
	ChannelListed       = "listed"
	ChannelPriceChanged = "price_changed"
	ChannelDelisted     = "delisted"
)

var knownChannels = map[string]bool{
	ChannelListed:       true,
	ChannelPriceChanged: true,
	ChannelDelisted:     true,
}

// ErrAuthRejected ends a session whose authentication was refused.
var ErrAuthRejected = errors.New("feed authentication rejected")

// Event is one decoded listing event.
type Event struct {
	ListingID  string
	ExternalID string
	Price      float64
	FloatValue *float64
	Stickers   []string
	ListedAt   time.Time
}

// Handler consumes events. The next frame is read only after Handle returns.
type Handler interface {
	Handle(ctx context.Context, channel string, ev Event) error
}

type Config struct {
	URL          string
	Token        string
	Channels     []string
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	PingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{ChannelListed, ChannelPriceChanged, ChannelDelisted}
	}
	return c
}

// Reactor holds a websocket session to the push feed and dispatches its events.
type Reactor struct {
	cfg      Config
	handler  Handler
	logger   *zap.Logger
	metrics  *metrics.Metrics
	dialer   *websocket.Dialer
	channels map[string]bool

	state    atomic.Int32
	sessions atomic.Int64
	events   atomic.Int64
	dropped  atomic.Int64
}

func New(cfg Config, handler Handler, logger *zap.Logger, m *metrics.Metrics) *Reactor {
	cfg = cfg.withDefaults()
	channels := make(map[string]bool, len(cfg.Channels))
	for _, c := range cfg.Channels {
		channels[c] = true
	}
	return &Reactor{
		cfg:      cfg,
		handler:  handler,
		logger:   logging.OrNop(logger).Named("feed"),
		metrics:  m,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		channels: channels,
	}
}

func (r *Reactor) State() State { return State(r.state.Load()) }

func (r *Reactor) setState(s State) {
	if State(r.state.Swap(int32(s))) != s {
		r.logger.Debug("state changed", zap.Stringer("state", s))
	}
}

// Status is a snapshot of the reactor for the status API.
type Status struct {
	State    string `json:"state"`
	Sessions int64  `json:"sessions"`
	Events   int64  `json:"events"`
	Dropped  int64  `json:"dropped"`
}

func (r *Reactor) Status() Status {
	return Status{
		State:    r.State().String(),
		Sessions: r.sessions.Load(),
		Events:   r.events.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Run keeps a session open until ctx is cancelled, reconnecting after an
// exponential backoff whenever a session fails. Missed events are not replayed.
func (r *Reactor) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffMin
	b.MaxInterval = r.cfg.BackoffMax

	defer r.setState(Disconnected)
	for {
		subscribed, err := r.session(ctx)
		r.setState(Disconnected)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			b.Reset()
		}

		wait := b.NextBackOff()
		r.metrics.FeedReconnect()
		r.logger.Warn("feed session ended, reconnecting", zap.Error(err), zap.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection from dial to failure. subscribed reports whether
// the handshake completed.
func (r *Reactor) session(ctx context.Context) (subscribed bool, err error) {
	r.setState(Connecting)
	conn, _, err := r.dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("feed dial: %w", err)
	}
	defer conn.Close()
	r.sessions.Add(1)

	s := &session{r: r, conn: conn}
	pongWait := 2 * r.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	r.setState(Authenticating)
	if err := s.send(TagAuthenticate, map[string]string{"token": r.cfg.Token}); err != nil {
		return false, fmt.Errorf("feed authenticate: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(ctx, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return s.subscribed, nil
			}
			return s.subscribed, fmt.Errorf("feed read: %w", err)
		}

		if err := s.handleFrame(ctx, data); err != nil {
			return s.subscribed, err
		}
		// pongs are only processed inside ReadMessage, so the deadline
		// restarts once dispatch returns
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

type session struct {
	r          *Reactor
	conn       *websocket.Conn
	writeMu    sync.Mutex
	subscribed bool
}

func (s *session) send(tag string, payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON([]any{tag, payload})
}

// keepAlive pings on an interval and, on shutdown, says goodbye and closes
// the connection so the blocked reader returns.
func (s *session) keepAlive(ctx context.Context, stop <-chan struct{}) {
	t := time.NewTicker(s.r.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = s.send(TagDeauthenticate, map[string]any{})
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			_ = s.conn.Close()
			return
		case <-t.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				s.r.logger.Debug("ping failed", zap.Error(err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

// wireListing is the payload of listing channels; prices are integer cents.
type wireListing struct {
	ID        string    `json:"id"`
	Price     int64     `json:"price"`
	CreatedAt time.Time `json:"created_at"`
	Item      struct {
		MarketHashName string   `json:"market_hash_name"`
		FloatValue     *float64 `json:"float_value"`
		Stickers       []struct {
			Name string `json:"name"`
		} `json:"stickers"`
	} `json:"item"`
}

// handleFrame resolves one [tag, payload] frame. Only a rejected
// authentication is returned as an error; anything malformed is dropped.
func (s *session) handleFrame(ctx context.Context, data []byte) error {
	r := s.r

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) != 2 {
		r.drop("", "frame is not a [tag, payload] array", data)
		return nil
	}
	var tag string
	if err := json.Unmarshal(frame[0], &tag); err != nil {
		r.drop("", "frame tag is not a string", data)
		return nil
	}
	payload := frame[1]

	switch tag {
	case TagAuthenticate:
		var ack struct {
			Success *bool `json:"success"`
		}
		_ = json.Unmarshal(payload, &ack)
		if ack.Success != nil && !*ack.Success {
			return ErrAuthRejected
		}
		if r.State() == Authenticating {
			for _, ch := range r.cfg.Channels {
				if err := s.send(TagSubscribe, map[string]string{"channel": ch}); err != nil {
					return fmt.Errorf("feed subscribe %s: %w", ch, err)
				}
			}
			s.subscribed = true
			r.setState(Subscribed)
			r.logger.Info("feed subscribed", zap.Strings("channels", r.cfg.Channels))
		}
		return nil
	case TagSubscribe:
		if r.State() == Subscribed {
			r.setState(Receiving)
		}
		return nil
	case TagDeauthenticate, TagUnsubscribe, TagUnsubscribeAll:
		r.logger.Debug("control ack", zap.String("tag", tag))
		return nil
	case TagError:
		r.logger.Warn("feed reported an error", zap.ByteString("payload", payload))
		return nil
	}

	if !knownChannels[tag] || !r.channels[tag] {
		r.drop(tag, "unknown tag", data)
		return nil
	}
	if r.State() == Subscribed {
		r.setState(Receiving)
	}

	ev, err := decodeEvent(tag, payload)
	if err != nil {
		r.drop(tag, err.Error(), data)
		return nil
	}

	r.events.Add(1)
	if err := r.handler.Handle(ctx, tag, ev); err != nil {
		r.metrics.FeedEvent(tag, "failed")
		r.logger.Warn("event handler failed", zap.String("channel", tag), zap.String("listing", ev.ListingID), zap.Error(err))
		return nil
	}
	r.metrics.FeedEvent(tag, "handled")
	return nil
}

func (r *Reactor) drop(channel, reason string, data []byte) {
	r.dropped.Add(1)
	if channel == "" {
		channel = "unknown"
	}
	r.metrics.FeedEvent(channel, "dropped")
	if len(data) > 256 {
		data = data[:256]
	}
	r.logger.Warn("malformed frame dropped", zap.String("reason", reason), zap.ByteString("frame", data))
}

func decodeEvent(channel string, payload json.RawMessage) (Event, error) {
	var w wireListing
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", channel, err)
	}
	if w.ID == "" {
		return Event{}, fmt.Errorf("%s payload without listing id", channel)
	}
	if channel != ChannelDelisted && (w.Item.MarketHashName == "" || w.Price <= 0) {
		return Event{}, fmt.Errorf("%s payload without item or price", channel)
	}

	ev := Event{
		ListingID:  w.ID,
		ExternalID: w.Item.MarketHashName,
		Price:      marketplace.CentsToAmount(w.Price),
		FloatValue: w.Item.FloatValue,
		ListedAt:   w.CreatedAt,
	}
	for _, st := range w.Item.Stickers {
		ev.Stickers = append(ev.Stickers, st.Name)
	}
	return ev, nil
}
