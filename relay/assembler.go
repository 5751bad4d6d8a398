package relay

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/pkg/debounce"
)

// UtteranceSink receives each completed utterance.
type UtteranceSink func(userID, text string)

// UtteranceAssembler buffers interim transcript segments per user and emits
// one utterance when the speaker pauses or the span hits its maximum length.
// Each user gets an independent debouncer, so one talkative user never
// flushes another's buffer.
type UtteranceAssembler struct {
	cfg    debounce.Config
	sink   UtteranceSink
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userBuffer
}

type userBuffer struct {
	mu        sync.Mutex
	segments  []string
	debouncer *debounce.Debouncer
}

// NewUtteranceAssembler validates the timeout pair up front so a
// misconfigured producer fails at build time, not mid-stream.
func NewUtteranceAssembler(cfg debounce.Config, sink UtteranceSink,
	logger *slog.Logger) (*UtteranceAssembler, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UtteranceAssembler{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "utterance-assembler"),
		users:  make(map[string]*userBuffer),
	}, nil
}

// AddSegment buffers a transcript segment for the user. A final segment
// flushes the utterance immediately; otherwise the debouncer decides when
// the utterance is complete.
func (a *UtteranceAssembler) AddSegment(userID, text string, isFinal bool) {
	buf := a.buffer(userID)

	buf.mu.Lock()
	if text != "" {
		buf.segments = append(buf.segments, text)
	}
	buf.mu.Unlock()

	// Signal first so a final segment that opens a span still arms the
	// machine before the flush fires it.
	buf.debouncer.Signal()
	if isFinal {
		buf.debouncer.Flush()
	}
}

// Flush completes any in-progress utterance for the user.
func (a *UtteranceAssembler) Flush(userID string) {
	a.mu.Lock()
	buf, ok := a.users[userID]
	a.mu.Unlock()
	if ok {
		buf.debouncer.Flush()
	}
}

// Close flushes every user's buffer and stops the debouncers.
func (a *UtteranceAssembler) Close() {
	a.mu.Lock()
	users := make([]*userBuffer, 0, len(a.users))
	for _, buf := range a.users {
		users = append(users, buf)
	}
	a.mu.Unlock()

	for _, buf := range users {
		buf.debouncer.Flush()
		buf.debouncer.Stop()
	}
}

// buffer returns the user's buffer, creating it and its debouncer lazily.
func (a *UtteranceAssembler) buffer(userID string) *userBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf, ok := a.users[userID]; ok {
		return buf
	}

	buf := &userBuffer{}
	deb, err := debounce.New(a.cfg, func() { a.emit(userID, buf) })
	if err != nil {
		// cfg was validated in the constructor; this cannot happen.
		panic(err)
	}
	buf.debouncer = deb
	a.users[userID] = buf
	return buf
}

// emit joins the buffered segments and hands the utterance to the sink.
// An empty buffer (a flush races with a fresh span) emits nothing.
func (a *UtteranceAssembler) emit(userID string, buf *userBuffer) {
	buf.mu.Lock()
	segments := buf.segments
	buf.segments = nil
	buf.mu.Unlock()

	if len(segments) == 0 {
		return
	}
	text := strings.Join(segments, " ")
	a.logger.Debug("utterance complete", "user_id", userID, "segments", len(segments))
	a.sink(userID, text)
}
