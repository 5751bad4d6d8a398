package inbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/metric"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

// Options configures an Inbox.
type Options struct {
	// LocationWindow is the ring size for sliding-window categories.
	LocationWindow int
	// Metrics is optional; nil disables instrumentation.
	Metrics *metric.Metrics
	// Logger is optional; nil falls back to slog.Default.
	Logger *slog.Logger
}

// Inbox is the per-user result inbox. All operations are safe for
// concurrent use; operations on different users never contend.
type Inbox struct {
	store  Store
	window int
	logger *slog.Logger

	metrics *metric.Metrics

	// Per-user locks serialize Append and Poll for one user just long
	// enough to mutate the log or cursor. The map itself is guarded by mu.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Inbox over the given store.
func New(store Store, opts Options) *Inbox {
	if opts.LocationWindow <= 0 {
		opts.LocationWindow = 50
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		store:   store,
		window:  opts.LocationWindow,
		logger:  logger.With("component", "inbox"),
		metrics: opts.Metrics,
		locks:   make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex for a user, creating it lazily.
func (i *Inbox) userLock(userID string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		i.locks[userID] = l
	}
	return l
}

// Append assigns an id and timestamp to payload and appends it to the
// user's category log, creating the user lazily. Sliding-window categories
// are trimmed to the configured window; inbox categories grow unbounded.
func (i *Inbox) Append(ctx context.Context, userID string, category types.Category,
	payload json.RawMessage) (types.ResultEntry, error) {

	if _, err := types.ParseCategory(category.String()); err != nil {
		return types.ResultEntry{}, err
	}

	entry := types.ResultEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	lock := i.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	err := i.store.Update(ctx, userID, func(rec *UserRecord) (bool, error) {
		log := append(rec.Logs[category], entry)
		if category.Retention() == types.RetentionSlidingWindow && len(log) > i.window {
			trimmed := len(log) - i.window
			log = log[trimmed:]
			if i.metrics != nil {
				i.metrics.EntriesTrimmed.WithLabelValues(category.String()).Add(float64(trimmed))
			}
		}
		rec.Logs[category] = log
		return true, nil
	})
	if err != nil {
		return types.ResultEntry{}, errors.Wrap(err, "Inbox", "Append", "store update")
	}

	if i.metrics != nil {
		i.metrics.EntriesAppended.WithLabelValues(category.String()).Inc()
	}
	i.logger.Debug("entry appended",
		"user_id", userID, "category", category.String(), "entry_id", entry.ID)
	return entry, nil
}

// PollOptions controls Poll behavior.
type PollOptions struct {
	// Consume marks returned entries as consumed for the device.
	Consume bool
	// IncludeConsumed returns the full log regardless of the cursor and
	// never mutates it. Used for internal reads that must not affect
	// delivery state.
	IncludeConsumed bool
}

// DefaultPollOptions is the device-facing default: consume what you return.
func DefaultPollOptions() PollOptions {
	return PollOptions{Consume: true}
}

// Poll returns the user's entries for a category on behalf of a device,
// lazily registering both. For inbox categories the default options return
// entries the device has not consumed, in append order, and mark them
// consumed. Sliding-window categories always return the full current window
// and never touch the cursor: they are current state, not a queue.
func (i *Inbox) Poll(ctx context.Context, userID, deviceID string, category types.Category,
	opts PollOptions) ([]types.ResultEntry, error) {

	if _, err := types.ParseCategory(category.String()); err != nil {
		return nil, err
	}

	lock := i.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var result []types.ResultEntry
	err := i.store.Update(ctx, userID, func(rec *UserRecord) (bool, error) {
		_, known := rec.Devices[deviceID]
		cursor := rec.device(deviceID)
		changed := !known
		log := rec.Logs[category]

		if opts.IncludeConsumed || category.Retention() == types.RetentionSlidingWindow {
			result = append([]types.ResultEntry(nil), log...)
			return changed, nil
		}

		consumed := cursor.consumedSet(category)
		for _, entry := range log {
			if consumed[entry.ID] {
				continue
			}
			result = append(result, entry)
			if opts.Consume {
				consumed[entry.ID] = true
				changed = true
			}
		}
		return changed, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Inbox", "Poll", "store update")
	}

	if i.metrics != nil {
		i.metrics.PollsServed.WithLabelValues(category.String()).Inc()
		if !opts.IncludeConsumed && opts.Consume {
			i.metrics.EntriesDelivered.WithLabelValues(category.String()).Add(float64(len(result)))
		}
	}
	return result, nil
}

// RecentWindow returns entries in the category appended within the last
// window duration, independent of any device cursor. Producers use this to
// build context without disturbing delivery state.
func (i *Inbox) RecentWindow(ctx context.Context, userID string, category types.Category,
	window time.Duration) ([]types.ResultEntry, error) {

	if _, err := types.ParseCategory(category.String()); err != nil {
		return nil, err
	}

	rec, err := i.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "Inbox", "RecentWindow", "store load")
	}

	cutoff := time.Now().Add(-window)
	var result []types.ResultEntry
	for _, entry := range rec.Logs[category] {
		if entry.Timestamp.After(cutoff) {
			result = append(result, entry)
		}
	}
	return result, nil
}

// ConsumedSnapshot returns a read-only copy of the entry ids a device has
// already consumed in a category. Unknown users or devices yield an empty
// set.
func (i *Inbox) ConsumedSnapshot(ctx context.Context, userID, deviceID string,
	category types.Category) (map[string]bool, error) {

	if _, err := types.ParseCategory(category.String()); err != nil {
		return nil, err
	}

	rec, err := i.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return map[string]bool{}, nil
		}
		return nil, errors.Wrap(err, "Inbox", "ConsumedSnapshot", "store load")
	}

	snapshot := make(map[string]bool)
	if cursor, ok := rec.Devices[deviceID]; ok {
		for id := range cursor.Consumed[category] {
			snapshot[id] = true
		}
	}
	return snapshot, nil
}

// Devices returns the device ids known for a user.
func (i *Inbox) Devices(ctx context.Context, userID string) ([]string, error) {
	rec, err := i.store.Load(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "Inbox", "Devices", "store load")
	}
	devices := make([]string, 0, len(rec.Devices))
	for id := range rec.Devices {
		devices = append(devices, id)
	}
	return devices, nil
}
