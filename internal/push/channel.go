// Package push maintains the admin WebSocket channel. The channel reconnects
// after a fixed delay for as long as it is open for business; it never gives
// up and never reports a disconnect as a job error.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/convertwatch/internal/clock"
	"github.com/JakeFAU/convertwatch/internal/clock/system"
	"github.com/JakeFAU/convertwatch/internal/metrics"
	"github.com/JakeFAU/convertwatch/internal/progress"
)

// State is the connection state.
type State string

// Connection states.
const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

const (
	// DefaultReconnectDelay is the fixed pause before redialing.
	DefaultReconnectDelay = 5 * time.Second
	adminPath             = "/ws/admin"
	closeWait             = time.Second
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("push channel closed")

// Config wires a Channel.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL            string
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Header         http.Header
	Clock          clock.Clock
	Logger         *zap.Logger
	// Emitter receives job events in addition to subscribers.
	Emitter progress.Emitter
}

// Channel is a reconnecting admin push connection.
type Channel struct {
	url    string
	delay  time.Duration
	dialer *websocket.Dialer
	header http.Header
	clock  clock.Clock
	logger *zap.Logger

	dispatcher *progress.Dispatcher
	guard      *progress.StatusGuard

	mu         sync.Mutex
	ctx        context.Context
	state      State
	started    bool
	closed     bool
	conn       *websocket.Conn
	timer      clock.Timer
	reconnects int
	onStats    []func(Stats)
	onAlert    []func(Alert)
	readers    sync.WaitGroup
}

// New validates cfg and returns an unstarted Channel.
func New(cfg Config) (*Channel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push url %q must be ws or wss", cfg.URL)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("push_url", cfg.URL))
	return &Channel{
		url:        cfg.URL,
		delay:      cfg.ReconnectDelay,
		dialer:     cfg.Dialer,
		header:     cfg.Header,
		clock:      cfg.Clock,
		logger:     logger,
		dispatcher: progress.NewDispatcher(cfg.Emitter, logger),
		guard:      progress.NewStatusGuard(),
		state:      StateClosed,
	}, nil
}

// AdminURL derives ws(s)://host/ws/admin from an http(s) base URL.
func AdminURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("base url %q must be http or https", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + adminPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Subscribe registers a job event handler.
func (c *Channel) Subscribe(kind progress.Kind, h progress.Handler) error {
	return c.dispatcher.Subscribe(kind, h)
}

// OnStats registers a stats_update handler.
func (c *Channel) OnStats(h func(Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStats = append(c.onStats, h)
}

// OnAlert registers a system_alert handler.
func (c *Channel) OnAlert(h func(Alert)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAlert = append(c.onAlert, h)
}

// State returns the connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects counts reconnect attempts scheduled so far.
func (c *Channel) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Start dials once. A failed dial schedules a reconnect and is not returned
// as an error. Cancelling ctx stops reconnection.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.started = true
	c.ctx = ctx
	c.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = c.Close() })
	c.connect()
	return nil
}

// Close stops reconnection and closes the live connection, waiting for its
// reader to exit. It must not be called from a message handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		err = conn.Close()
	}
	c.readers.Wait()
	metrics.SetPushConnected(false)
	return err
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.closed || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.state = StateConnecting
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.logger.Warn("push dial failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.readers.Add(1)
	c.mu.Unlock()

	metrics.SetPushConnected(true)
	c.logger.Info("push channel open")
	go c.read(conn)
}

func (c *Channel) read(conn *websocket.Conn) {
	defer c.readers.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.lost(conn, err)
			return
		}
		c.handle(data)
	}
}

func (c *Channel) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.state = StateClosed
	}
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	if closed || !current {
		return
	}
	metrics.SetPushConnected(false)
	c.logger.Info("push channel closed", zap.Error(err))
	c.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil || c.ctx.Err() != nil {
		return
	}
	c.state = StateClosed
	c.reconnects++
	var t clock.Timer
	t = c.clock.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if c.timer != t {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()
		c.connect()
	})
	c.timer = t
	metrics.ObservePushReconnect()
	c.logger.Debug("push reconnect scheduled", zap.Duration("delay", c.delay), zap.Int("attempt", c.reconnects))
}

func (c *Channel) handle(data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ObservePushMessage("unknown", "dropped")
			c.logger.Error("push handler panicked", zap.Any("panic", rec))
		}
	}()

	env, err := decode(data)
	if err != nil {
		metrics.ObservePushMessage(env.Type, "dropped")
		c.logger.Warn("dropping malformed push message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	metrics.ObservePushMessage(env.Type, "ok")

	switch env.Type {
	case TypeJobUpdate:
		c.handleJob(*env.Job)
	case TypeStatsUpdate:
		c.mu.Lock()
		handlers := slices.Clone(c.onStats)
		c.mu.Unlock()
		for _, h := range handlers {
			h(*env.Stats)
		}
	case TypeSystemAlert:
		c.mu.Lock()
		handlers := slices.Clone(c.onAlert)
		c.mu.Unlock()
		alert := Alert{Message: env.Message, Level: env.Level}
		for _, h := range handlers {
			h(alert)
		}
	}
}

func (c *Channel) handleJob(job progress.JobProgress) {
	if !c.guard.Accept(job) {
		last, _ := c.guard.Last(job.JobID)
		c.logger.Warn("ignoring pushed status regression",
			zap.String("job_id", job.JobID),
			zap.String("status", string(job.Status)),
			zap.String("last_status", string(last)),
		)
		return
	}
	evt := progress.Event{
		Kind:     progress.KindForStatus(job.Status),
		JobID:    job.JobID,
		TS:       c.clock.Now(),
		Source:   progress.SourcePush,
		Progress: job,
	}
	if evt.Kind == progress.KindError {
		msg := job.ErrorMessage
		if msg == "" {
			msg = "conversion failed"
		}
		evt.Failure = &progress.Failure{Message: msg}
	}
	c.dispatcher.Dispatch(evt)
}
