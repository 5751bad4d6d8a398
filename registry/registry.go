// Package registry implements the app connection registry: the broker that
// maintains live or potential channels to registered third-party apps and
// delivers topic-routed events with lazy, deduplicated connection
// establishment.
//
// Push delivery over these channels is explicitly best-effort. A dead
// channel is healed lazily on the next Send; per-app failures during a
// broadcast never abort the batch. Durable delivery is the inbox's job.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/metric"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

// Conn is the duplex channel to one app. *websocket.Conn satisfies it; tests
// inject fakes.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Options configures a Registry.
type Options struct {
	// ConnectAttempts bounds how many times EnsureConnected checks for an
	// accepted channel after firing the webhook.
	ConnectAttempts int
	// ConnectDelay is the fixed backoff between those checks.
	ConnectDelay time.Duration
	// WebhookTimeout bounds the outbound "please connect" HTTP request.
	WebhookTimeout time.Duration
	// Metrics is optional; nil disables instrumentation.
	Metrics *metric.Metrics
	// Logger is optional; nil falls back to slog.Default.
	Logger *slog.Logger
	// HTTPClient is optional; nil builds a client with WebhookTimeout.
	HTTPClient *http.Client
}

// entry is one registered app: its metadata plus the live channel, if any.
type entry struct {
	reg types.AppRegistration

	mu   sync.Mutex // guards conn and writes to it
	conn Conn
}

// connRef returns the current channel, which may be nil.
func (e *entry) connRef() Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Registry is the app connection registry. All methods are safe for
// concurrent use. The registry mutex guards only structural map operations
// and is never held across a network call.
type Registry struct {
	opts       Options
	logger     *slog.Logger
	httpClient *http.Client
	metrics    *metric.Metrics

	mu       sync.RWMutex
	apps     map[string]*entry
	shutdown bool

	// connectGroup collapses concurrent EnsureConnected calls for the same
	// app into a single webhook-and-wait attempt; callers for other apps
	// proceed unimpeded.
	connectGroup singleflight.Group
}

// New creates a Registry.
func New(opts Options) *Registry {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 5
	}
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = time.Second
	}
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.WebhookTimeout}
	}
	return &Registry{
		opts:       opts,
		logger:     logger.With("component", "registry"),
		httpClient: httpClient,
		metrics:    opts.Metrics,
		apps:       make(map[string]*entry),
	}
}

// Register inserts a new app registration. Registering an existing app_id is
// a no-op reported as ErrAlreadyRegistered; existing connection state is
// untouched.
func (r *Registry) Register(reg types.AppRegistration) error {
	if reg.AppID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register",
			"app_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return errors.ErrRegistryShutdown
	}
	if _, exists := r.apps[reg.AppID]; exists {
		return errors.ErrAlreadyRegistered
	}

	r.apps[reg.AppID] = &entry{reg: reg}
	if r.metrics != nil {
		r.metrics.AppsRegistered.Set(float64(len(r.apps)))
	}
	r.logger.Info("app registered",
		"app_id", reg.AppID, "subscriptions", reg.Subscriptions)
	return nil
}

// Unregister closes the app's channel if present and removes the entry.
// Unknown ids are a logged no-op.
func (r *Registry) Unregister(appID string) {
	r.mu.Lock()
	e, exists := r.apps[appID]
	if exists {
		delete(r.apps, appID)
	}
	if r.metrics != nil {
		r.metrics.AppsRegistered.Set(float64(len(r.apps)))
	}
	r.mu.Unlock()

	if !exists {
		r.logger.Warn("unregister for unknown app", "app_id", appID)
		return
	}

	e.mu.Lock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ChannelsLive.Set(float64(r.liveCount()))
	}
	r.logger.Info("app unregistered", "app_id", appID)
}

// Accept associates an inbound channel with a registered app, replacing any
// prior channel (last successful handshake wins). A handshake for an
// unknown app_id is refused: the channel is closed and ErrAppNotRegistered
// returned.
func (r *Registry) Accept(appID string, conn Conn) error {
	r.mu.RLock()
	e, exists := r.apps[appID]
	shutdown := r.shutdown
	r.mu.RUnlock()

	if shutdown || !exists {
		_ = conn.Close()
		if shutdown {
			return errors.ErrRegistryShutdown
		}
		r.logger.Warn("handshake refused for unregistered app", "app_id", appID)
		return errors.WrapInvalid(errors.ErrAppNotRegistered, "Registry", "Accept",
			fmt.Sprintf("handshake from %q", appID))
	}

	e.mu.Lock()
	if e.conn != nil {
		_ = e.conn.Close()
	}
	e.conn = conn
	e.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ChannelsLive.Set(float64(r.liveCount()))
	}
	r.logger.Info("channel accepted", "app_id", appID)
	return nil
}

// Invalidate clears the app's channel if it still holds the given conn.
// Used when the read side of a channel observes the peer going away; a
// channel already replaced by a newer handshake is left alone.
func (r *Registry) Invalidate(appID string, conn Conn) {
	r.mu.RLock()
	e, exists := r.apps[appID]
	r.mu.RUnlock()
	if !exists {
		return
	}

	e.mu.Lock()
	cleared := e.conn == conn
	if cleared {
		_ = e.conn.Close()
		e.conn = nil
	}
	e.mu.Unlock()

	if !cleared {
		return
	}
	if r.metrics != nil {
		r.metrics.ChannelsLive.Set(float64(r.liveCount()))
	}
	r.logger.Info("channel invalidated", "app_id", appID)
}

// EnsureConnected returns immediately when the app already has a live
// channel. Otherwise it fires the app's connect webhook and waits, up to a
// bounded number of fixed-backoff attempts, for Accept to land the channel.
// Concurrent callers for the same app collapse into a single attempt and
// observe the same outcome. Exhausting the budget fails with
// ErrConnectionUnavailable; this call does not retry further (the next Send
// will).
func (r *Registry) EnsureConnected(ctx context.Context, appID string) error {
	e, err := r.lookup(appID)
	if err != nil {
		return err
	}
	if e.connRef() != nil {
		return nil
	}

	_, err, _ = r.connectGroup.Do(appID, func() (any, error) {
		return nil, r.connect(ctx, e)
	})
	return err
}

// connect performs one webhook-and-wait cycle for an app with no channel.
// Only one goroutine per app runs here at a time.
func (r *Registry) connect(ctx context.Context, e *entry) error {
	// A racing Accept may have landed the channel already.
	if e.connRef() != nil {
		return nil
	}

	appID := e.reg.AppID
	webhookSent := false

	for attempt := 1; attempt <= r.opts.ConnectAttempts; attempt++ {
		if !webhookSent {
			if err := r.requestConnect(ctx, e.reg); err != nil {
				r.logger.Warn("connect webhook failed",
					"app_id", appID, "attempt", attempt, "error", err)
			} else {
				webhookSent = true
			}
		}

		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Registry", "EnsureConnected",
				"wait for handshake")
		case <-time.After(r.opts.ConnectDelay):
		}

		if e.connRef() != nil {
			if r.metrics != nil {
				r.metrics.ConnectAttempts.WithLabelValues("accepted").Inc()
			}
			return nil
		}
	}

	if r.metrics != nil {
		r.metrics.ConnectAttempts.WithLabelValues("exhausted").Inc()
	}
	r.logger.Warn("connection budget exhausted", "app_id", appID,
		"attempts", r.opts.ConnectAttempts)
	return errors.WrapTransient(errors.ErrConnectionUnavailable, "Registry", "EnsureConnected",
		fmt.Sprintf("app %q did not connect", appID))
}

// requestConnect POSTs the "please establish your channel now" webhook.
func (r *Registry) requestConnect(ctx context.Context, reg types.AppRegistration) error {
	body, err := json.Marshal(map[string]string{
		"command": "connect",
		"app_id":  reg.AppID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.WebhookURL,
		bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if r.metrics != nil {
			r.metrics.WebhookRequests.WithLabelValues("failed").Inc()
		}
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if r.metrics != nil {
			r.metrics.WebhookRequests.WithLabelValues("failed").Inc()
		}
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	if r.metrics != nil {
		r.metrics.WebhookRequests.WithLabelValues("ok").Inc()
	}
	return nil
}

// Send delivers payload on the app's channel, establishing it first when
// needed. A write failure invalidates the channel (healed lazily on the
// next Send) and is returned to the caller; broadcast paths treat it as an
// isolated per-app failure.
func (r *Registry) Send(ctx context.Context, appID string, payload any) error {
	if err := r.EnsureConnected(ctx, appID); err != nil {
		return err
	}

	e, err := r.lookup(appID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return errors.WrapTransient(errors.ErrConnectionUnavailable, "Registry", "Send",
			fmt.Sprintf("no channel for %q", appID))
	}
	writeErr := conn.WriteJSON(payload)
	if writeErr != nil {
		// The channel is dead; drop the reference so the next Send heals it.
		_ = conn.Close()
		e.conn = nil
	}
	e.mu.Unlock()

	if writeErr != nil {
		if r.metrics != nil {
			r.metrics.ChannelsLive.Set(float64(r.liveCount()))
		}
		r.logger.Warn("channel write failed, invalidating",
			"app_id", appID, "error", writeErr)
		return errors.WrapTransient(writeErr, "Registry", "Send", "channel write")
	}
	return nil
}

// Broadcast sends payload to every registered app concurrently. Per-app
// failures are independent: they are logged and never abort the batch. It
// blocks until every send has finished or failed.
func (r *Registry) Broadcast(ctx context.Context, payload any) {
	var wg sync.WaitGroup
	for _, reg := range r.List() {
		wg.Add(1)
		go func(appID string) {
			defer wg.Done()
			if err := r.Send(ctx, appID, payload); err != nil {
				r.logger.Debug("broadcast send failed", "app_id", appID, "error", err)
			}
		}(reg.AppID)
	}
	wg.Wait()
}

// SmartBroadcast wraps payload in the channel envelope and sends it only to
// apps whose subscription set contains topic or the wildcard. Unsubscribed
// apps are skipped, which is observable in logs and metrics but not an
// error. It blocks until every matching send has finished or failed.
func (r *Registry) SmartBroadcast(ctx context.Context, userID, topic string, payload json.RawMessage) {
	envelope := types.Envelope{
		Type:   topic,
		UserID: userID,
		Data:   payload,
	}

	var wg sync.WaitGroup
	for _, reg := range r.List() {
		if !reg.SubscribedTo(topic) {
			if r.metrics != nil {
				r.metrics.BroadcastSkipped.WithLabelValues(topic).Inc()
			}
			r.logger.Debug("app not subscribed, skipping",
				"app_id", reg.AppID, "topic", topic)
			continue
		}

		wg.Add(1)
		go func(appID string) {
			defer wg.Done()
			if err := r.Send(ctx, appID, envelope); err != nil {
				if r.metrics != nil {
					r.metrics.BroadcastsFailed.WithLabelValues(topic).Inc()
				}
				r.logger.Debug("smart broadcast send failed",
					"app_id", appID, "topic", topic, "error", err)
				return
			}
			if r.metrics != nil {
				r.metrics.BroadcastsSent.WithLabelValues(topic).Inc()
			}
		}(reg.AppID)
	}
	wg.Wait()
}

// List returns a snapshot of the current registrations.
func (r *Registry) List() []types.AppRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	regs := make([]types.AppRegistration, 0, len(r.apps))
	for _, e := range r.apps {
		regs = append(regs, e.reg)
	}
	return regs
}

// IsConnected reports whether the app currently has a live channel.
func (r *Registry) IsConnected(appID string) bool {
	e, err := r.lookup(appID)
	if err != nil {
		return false
	}
	return e.connRef() != nil
}

// Shutdown closes every live channel and refuses further registrations.
// Used once at process teardown.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	entries := make([]*entry, 0, len(r.apps))
	for _, e := range r.apps {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.conn != nil {
			_ = e.conn.Close()
			e.conn = nil
		}
		e.mu.Unlock()
	}

	if r.metrics != nil {
		r.metrics.ChannelsLive.Set(0)
	}
	r.logger.Info("registry shut down")
}

// lookup fetches an entry or fails with ErrAppNotRegistered.
func (r *Registry) lookup(appID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.apps[appID]
	if !exists {
		return nil, errors.WrapInvalid(errors.ErrAppNotRegistered, "Registry", "lookup",
			fmt.Sprintf("app %q", appID))
	}
	return e, nil
}

// liveCount counts apps with a live channel.
func (r *Registry) liveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.apps {
		if e.connRef() != nil {
			n++
		}
	}
	return n
}
