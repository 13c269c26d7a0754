package pushsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"github.com/fieldbooks/bridgeclient/internal/bridge"
)

// ConnState is the push connection lifecycle state.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClosed     ConnState = "closed"
)

// Conn is the subset of the websocket connection the channel uses; tests
// substitute their own.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc establishes one push connection.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Toast is the payload published on ui.toast events.
type Toast struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	WebhookID string `json:"webhookId,omitempty"`
	CanRetry  bool   `json:"canRetry,omitempty"`
}

// WebhookEvent is the payload of webhook_processed and webhook_failed frames.
type WebhookEvent struct {
	WebhookID  string  `json:"webhookId"`
	Provider   string  `json:"provider"`
	Resource   string  `json:"resource,omitempty"`
	DurationMs float64 `json:"durationMs,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// SyncStatusEvent is the payload of sync_status_update frames.
type SyncStatusEvent struct {
	Provider string  `json:"provider"`
	SyncID   string  `json:"syncId,omitempty"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
}

type pushFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type ChannelOptions struct {
	WSBaseURL      string
	Gateway        *bridge.Gateway
	Dispatcher     *bridge.Dispatcher
	Logger         logrus.FieldLogger
	MaxReconnects  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterMax      time.Duration
	PollInterval   time.Duration

	// Dial is an injection point for tests.
	Dial DialFunc
}

// Channel maintains the persistent push connection with reconnect backoff,
// converts inbound frames into dispatcher events, and keeps a local stats
// snapshot refreshed by push and by polling. Polling runs regardless of
// connection state and is the sole stats source once reconnects give up.
type Channel struct {
	wsURL        string
	gateway      *bridge.Gateway
	dispatcher   *bridge.Dispatcher
	log          logrus.FieldLogger
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	jitterMax    time.Duration
	pollInterval time.Duration
	dial         DialFunc
	schema       *jsonschema.Schema

	mu        sync.Mutex
	state     ConnState
	attempts  int
	lastDelay time.Duration
	conn      Conn
	stats     bridge.SyncStats
	statsAt   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(opts ChannelOptions) (*Channel, error) {
	wsBase := strings.TrimRight(strings.TrimSpace(opts.WSBaseURL), "/")
	if wsBase == "" {
		wsBase = "ws://127.0.0.1:3001"
	}
	if opts.Gateway == nil || opts.Dispatcher == nil {
		return nil, bridge.ErrInvalidInput
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	maxAttempts := opts.MaxReconnects
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	initialDelay := opts.InitialBackoff
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := opts.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	jitterMax := opts.JitterMax
	if jitterMax <= 0 {
		jitterMax = time.Second
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	dial := opts.Dial
	if dial == nil {
		dial = defaultDial
	}
	schema, err := compileFrameSchema()
	if err != nil {
		return nil, err
	}
	return &Channel{
		wsURL:        wsBase + "/ws/webhooks",
		gateway:      opts.Gateway,
		dispatcher:   opts.Dispatcher,
		log:          log,
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		jitterMax:    jitterMax,
		pollInterval: pollInterval,
		dial:         dial,
		schema:       schema,
		state:        StateClosed,
	}, nil
}

func defaultDial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect starts the connection and polling loops. Calling it twice without
// an intervening Disconnect is a no-op.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(2)
	go c.connectLoop(ctx)
	go c.pollLoop(ctx)
}

// Disconnect tears down the socket, both loops, and all pending reconnect
// timers.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	c.wg.Wait()
	c.setState(StateClosed)
}

// State returns the current connection state.
func (c *Channel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts reports consecutive failed attempts since the last open.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Stats returns the cached statistics snapshot and when it was taken.
func (c *Channel) Stats() (bridge.SyncStats, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats, c.statsAt
}

// RetryWebhook replays one failed webhook through the gateway and surfaces
// the outcome as a toast. It does not touch channel state.
func (c *Channel) RetryWebhook(ctx context.Context, webhookID string) error {
	err := c.gateway.RetryWebhook(ctx, webhookID)
	if err != nil {
		c.dispatcher.Publish(bridge.EventToast, Toast{
			Level:     "error",
			Message:   "Webhook retry failed.",
			WebhookID: webhookID,
			CanRetry:  true,
		})
		return err
	}
	c.dispatcher.Publish(bridge.EventToast, Toast{
		Level:     "success",
		Message:   "Webhook queued for retry.",
		WebhookID: webhookID,
	})
	return nil
}

func (c *Channel) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		c.setState(StateConnecting)
		conn, err := c.dial(ctx, c.wsURL)
		if err != nil {
			c.setState(StateClosed)
			if !c.scheduleReconnect(ctx, err) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.attempts = 0
		c.lastDelay = 0
		c.state = StateOpen
		c.mu.Unlock()
		c.dispatcher.Publish(bridge.EventPushConnected, nil)

		readErr := c.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		c.conn = nil
		c.state = StateClosed
		c.mu.Unlock()
		c.dispatcher.Publish(bridge.EventPushDisconnected, nil)

		if ctx.Err() != nil {
			return
		}
		if !c.scheduleReconnect(ctx, readErr) {
			return
		}
	}
}

// scheduleReconnect waits out the backoff before the next attempt. It reports
// false when the attempt budget is exhausted or the channel is shutting down;
// after that, polling is the only stats source.
func (c *Channel) scheduleReconnect(ctx context.Context, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	delay := c.lastDelay * 2
	if delay <= 0 {
		delay = c.initialDelay
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	c.lastDelay = delay
	c.mu.Unlock()

	if attempts > c.maxAttempts {
		c.log.WithField("attempts", attempts-1).
			Warn("push reconnect attempts exhausted; falling back to polling")
		return false
	}
	c.log.WithFields(logrus.Fields{"attempt": attempts, "delay": delay.String(), "cause": fmt.Sprint(cause)}).
		Debug("push channel reconnecting")

	wait := delay
	if c.jitterMax > 0 {
		wait += time.Duration(rand.Int63n(int64(c.jitterMax)))
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

// handleFrame validates and dispatches one inbound frame. Malformed frames
// are logged and dropped; they never take the channel down.
func (c *Channel) handleFrame(raw []byte) {
	if err := validateFrame(c.schema, raw); err != nil {
		c.log.WithError(err).Debug("dropping malformed push frame")
		return
	}
	var frame pushFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.WithError(err).Debug("dropping undecodable push frame")
		return
	}
	switch frame.Type {
	case "webhook_processed":
		var event WebhookEvent
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			c.log.WithError(err).Debug("dropping webhook_processed payload")
			return
		}
		c.dispatcher.Publish(bridge.EventWebhookProcessed, event)
		c.dispatcher.Publish(bridge.EventToast, Toast{
			Level:   "success",
			Message: fmt.Sprintf("%s webhook processed in %.0fms", event.Provider, event.DurationMs),
		})
	case "webhook_failed":
		var event WebhookEvent
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			c.log.WithError(err).Debug("dropping webhook_failed payload")
			return
		}
		c.dispatcher.Publish(bridge.EventWebhookFailed, event)
		c.dispatcher.Publish(bridge.EventToast, Toast{
			Level:     "error",
			Message:   fmt.Sprintf("%s webhook failed: %s", event.Provider, event.Error),
			WebhookID: event.WebhookID,
			CanRetry:  true,
		})
	case "sync_status_update":
		var event SyncStatusEvent
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			c.log.WithError(err).Debug("dropping sync_status_update payload")
			return
		}
		c.dispatcher.Publish(bridge.EventSyncStatus, event)
		if event.Status == "completed" {
			c.dispatcher.Publish(bridge.EventSyncCompleted, event)
			c.dispatcher.Publish(bridge.EventToast, Toast{
				Level:   "success",
				Message: fmt.Sprintf("%s sync completed", event.Provider),
			})
		}
	case "stats_update":
		var stats bridge.SyncStats
		if err := json.Unmarshal(frame.Payload, &stats); err != nil {
			c.log.WithError(err).Debug("dropping stats_update payload")
			return
		}
		c.setStats(stats)
	}
}

// pollLoop refreshes stats through the gateway on a fixed cadence, whatever
// the connection state. It doubles as the full fallback path when the push
// channel never comes up.
func (c *Channel) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := c.gateway.SyncStats(ctx)
			if err != nil {
				c.log.WithError(err).Debug("stats poll failed")
				continue
			}
			c.setStats(stats)
		}
	}
}

func (c *Channel) setStats(stats bridge.SyncStats) {
	c.mu.Lock()
	c.stats = stats
	c.statsAt = time.Now()
	c.mu.Unlock()
	c.dispatcher.Publish(bridge.EventStatsUpdated, stats)
}

func (c *Channel) setState(state ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
