// Package inbox implements the per-user result inbox: a durable
// multi-category event log per user with independent per-device consumption
// cursors. Device polling reads "only new to me" through the cursors;
// producers read "everything recent" through time-windowed reads that never
// disturb delivery state.
package inbox

import (
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/types"
)

// UserRecord aggregates everything the inbox stores for one user: one log
// per category and the consumption cursors of every device that has polled.
// Users and devices are created lazily on first reference; neither is ever
// an error to be missing.
type UserRecord struct {
	UserID  string                                `json:"user_id"`
	Logs    map[types.Category][]types.ResultEntry `json:"logs"`
	Devices map[string]*DeviceCursor               `json:"devices"`
}

// DeviceCursor tracks which entry ids a device has already consumed, scoped
// per category. The set is monotonic: an id once added is never removed.
type DeviceCursor struct {
	Consumed map[types.Category]map[string]bool `json:"consumed"`
}

// NewUserRecord creates an empty record for a user.
func NewUserRecord(userID string) *UserRecord {
	return &UserRecord{
		UserID:  userID,
		Logs:    make(map[types.Category][]types.ResultEntry),
		Devices: make(map[string]*DeviceCursor),
	}
}

// normalize fills nil maps after JSON decoding so callers never nil-check.
func (r *UserRecord) normalize() {
	if r.Logs == nil {
		r.Logs = make(map[types.Category][]types.ResultEntry)
	}
	if r.Devices == nil {
		r.Devices = make(map[string]*DeviceCursor)
	}
	for _, d := range r.Devices {
		if d.Consumed == nil {
			d.Consumed = make(map[types.Category]map[string]bool)
		}
	}
}

// device returns the cursor for deviceID, creating it when unseen.
func (r *UserRecord) device(deviceID string) *DeviceCursor {
	d, ok := r.Devices[deviceID]
	if !ok {
		d = &DeviceCursor{Consumed: make(map[types.Category]map[string]bool)}
		r.Devices[deviceID] = d
	}
	return d
}

// consumedSet returns the device's consumed-id set for a category, creating
// it when absent.
func (d *DeviceCursor) consumedSet(category types.Category) map[string]bool {
	set, ok := d.Consumed[category]
	if !ok {
		set = make(map[string]bool)
		d.Consumed[category] = set
	}
	return set
}

// clone returns a deep copy so store snapshots never alias live state.
func (r *UserRecord) clone() *UserRecord {
	cp := NewUserRecord(r.UserID)
	for cat, log := range r.Logs {
		entries := make([]types.ResultEntry, len(log))
		copy(entries, log)
		cp.Logs[cat] = entries
	}
	for id, d := range r.Devices {
		dc := &DeviceCursor{Consumed: make(map[types.Category]map[string]bool, len(d.Consumed))}
		for cat, set := range d.Consumed {
			s := make(map[string]bool, len(set))
			for k, v := range set {
				s[k] = v
			}
			dc.Consumed[cat] = s
		}
		cp.Devices[id] = dc
	}
	return cp
}
