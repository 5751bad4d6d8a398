// Package relay consumes producer results from NATS, persists them in the
// per-user inbox, and pushes them to subscribed apps.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/inbox"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/metric"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/natsclient"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/pkg/debounce"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/registry"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

// Subject trees the relay consumes. Final results arrive on
// results.<user_id>.<category>; interim transcript segments arrive on
// transcripts.interim.<user_id> and are assembled into utterances before
// they enter the inbox.
const (
	resultSubjectPrefix  = "results"
	interimSubjectPrefix = "transcripts.interim"
)

// interimSegment is the producer payload for an in-progress transcription.
type interimSegment struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Options configures the relay.
type Options struct {
	Client   *natsclient.Client
	Inbox    *inbox.Inbox
	Registry *registry.Registry
	// Utterance holds the debounce timeouts for transcript assembly.
	Utterance debounce.Config
	Metrics   *metric.Metrics
	Logger    *slog.Logger
}

// Relay bridges the producer side of NATS to the inbox and the app broker.
type Relay struct {
	client    *natsclient.Client
	inbox     *inbox.Inbox
	registry  *registry.Registry
	assembler *UtteranceAssembler
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// New builds a relay. Client, Inbox and Registry are required.
func New(opts Options) (*Relay, error) {
	if opts.Client == nil || opts.Inbox == nil || opts.Registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Relay", "New",
			"client, inbox and registry are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Relay{
		client:   opts.Client,
		inbox:    opts.Inbox,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "relay"),
	}

	cfg := opts.Utterance
	if cfg.PauseTimeout == 0 {
		cfg.PauseTimeout = 2 * time.Second
	}
	if cfg.ForceTimeout == 0 {
		cfg.ForceTimeout = 15 * time.Second
	}
	assembler, err := NewUtteranceAssembler(cfg, r.deliverUtterance, logger)
	if err != nil {
		return nil, err
	}
	r.assembler = assembler
	return r, nil
}

// Start subscribes the relay to its subject trees. Message handling runs on
// the NATS delivery goroutines; per-message failures are logged and counted,
// never fatal to the subscription.
func (r *Relay) Start(ctx context.Context) error {
	_, err := r.client.Subscribe(resultSubjectPrefix+".>", func(msg *nats.Msg) {
		r.handleResult(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "Relay", "Start", "subscribe results")
	}

	_, err = r.client.Subscribe(interimSubjectPrefix+".>", func(msg *nats.Msg) {
		r.handleInterim(msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "Relay", "Start", "subscribe interim transcripts")
	}

	r.logger.Info("relay started")
	return nil
}

// Stop flushes any buffered utterances.
func (r *Relay) Stop() {
	r.assembler.Close()
	r.logger.Info("relay stopped")
}

// handleResult processes one final result message. The subject carries the
// routing: results.<user_id>.<category>.
func (r *Relay) handleResult(ctx context.Context, subject string, data []byte) {
	userID, category, err := parseResultSubject(subject)
	if err != nil {
		r.count("bad_subject")
		r.logger.Warn("dropping result", "subject", subject, "error", err)
		return
	}
	if !json.Valid(data) {
		r.count("decode_error")
		r.logger.Warn("dropping result with invalid payload",
			"subject", subject, "user_id", userID)
		return
	}

	r.deliver(ctx, userID, category, json.RawMessage(data))
}

// handleInterim feeds a transcript segment into the per-user assembler. The
// subject is transcripts.interim.<user_id>.
func (r *Relay) handleInterim(subject string, data []byte) {
	userID := strings.TrimPrefix(subject, interimSubjectPrefix+".")
	if userID == "" || userID == subject {
		r.count("bad_subject")
		r.logger.Warn("dropping interim segment", "subject", subject)
		return
	}

	var seg interimSegment
	if err := json.Unmarshal(data, &seg); err != nil {
		r.count("decode_error")
		r.logger.Warn("dropping undecodable interim segment",
			"subject", subject, "error", err)
		return
	}

	r.assembler.AddSegment(userID, seg.Text, seg.IsFinal)
}

// deliverUtterance is the assembler's sink: a completed utterance enters the
// inbox as a transcript result.
func (r *Relay) deliverUtterance(userID, text string) {
	payload, err := json.Marshal(map[string]any{
		"text":      text,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		r.count("encode_error")
		return
	}
	r.deliver(context.Background(), userID, types.CategoryTranscripts, payload)
}

// deliver appends the payload and pushes it to subscribed apps. The push is
// best effort: a broadcast failure never loses the stored entry.
func (r *Relay) deliver(ctx context.Context, userID string, category types.Category,
	payload json.RawMessage) {

	entry, err := r.inbox.Append(ctx, userID, category, payload)
	if err != nil {
		r.count("append_error")
		r.logger.Error("append failed",
			"user_id", userID, "category", category.String(), "error", err)
		return
	}
	r.count("ok")

	entryData, err := json.Marshal(entry)
	if err != nil {
		r.count("encode_error")
		return
	}
	r.registry.SmartBroadcast(ctx, userID, category.String(), entryData)
}

func (r *Relay) count(status string) {
	if r.metrics != nil {
		r.metrics.RelayMessages.WithLabelValues(status).Inc()
	}
}

// parseResultSubject splits results.<user_id>.<category>. User ids must not
// contain dots; the category is the final token.
func parseResultSubject(subject string) (string, types.Category, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != resultSubjectPrefix || parts[1] == "" {
		return "", "", errors.WrapInvalid(errors.ErrInvalidCategory, "Relay",
			"parseResultSubject", "malformed subject "+subject)
	}
	category, err := types.ParseCategory(parts[2])
	if err != nil {
		return "", "", err
	}
	return parts[1], category, nil
}
