package inbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/errors"
	"github.com/TeamOpenSmartGlasses/AugmentOS-sub000/natsclient"
)

// KVStore persists user records in a JetStream KV bucket, one key per user.
// Concurrent updates for the same user are serialized by the bucket's
// compare-and-set revision check with automatic retry.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore creates a Store over a natsclient KV store.
func NewKVStore(kv *natsclient.KVStore) *KVStore {
	return &KVStore{kv: kv}
}

// Load fetches and decodes the user record. Unknown users are
// ErrKeyNotFound.
func (s *KVStore) Load(ctx context.Context, userID string) (*UserRecord, error) {
	entry, err := s.kv.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Load", "kv get")
	}

	var rec UserRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapFatal(err, "KVStore", "Load",
			fmt.Sprintf("decode user record %s", userID))
	}
	rec.normalize()
	return &rec, nil
}

// Update runs mutate inside the KV compare-and-set loop. The record is
// created when the user is unknown; a mutate error aborts without retry and
// an unchanged record skips the write.
func (s *KVStore) Update(ctx context.Context, userID string, mutate func(*UserRecord) (bool, error)) error {
	err := s.kv.UpdateWithRetry(ctx, userID, func(current []byte) ([]byte, error) {
		rec := NewUserRecord(userID)
		if current != nil {
			if err := json.Unmarshal(current, rec); err != nil {
				return nil, fmt.Errorf("decode user record %s: %w", userID, err)
			}
			rec.normalize()
		}
		changed, err := mutate(rec)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, natsclient.ErrNoChange
		}
		return json.Marshal(rec)
	})
	if err != nil {
		return errors.WrapTransient(err, "KVStore", "Update",
			fmt.Sprintf("kv update user %s", userID))
	}
	return nil
}
