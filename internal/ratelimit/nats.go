package ratelimit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	kvBucket    = "MKT_RATE_LIMIT"
	maxCASTries = 8
)

// KVStore shares windows between instances through a JetStream KeyValue
// bucket. Updates are compare-and-set on the entry revision.
type KVStore struct {
	kv nats.KeyValue
}

type kvWindow struct {
	Count   int64 `json:"count"`
	ResetAt int64 `json:"resetAt"` // unix ms
}

// NewKVStore opens or creates the rate-limit bucket. Entries expire after ttl,
// which should be at least the longest window.
func NewKVStore(nc *nats.Conn, ttl time.Duration) (*KVStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(kvBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  kvBucket,
			History: 1,
			TTL:     ttl,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit bucket: %w", err)
	}
	return &KVStore{kv: kv}, nil
}

// Client keys can hold characters KV keys reject, so they are encoded.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *KVStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	k := kvKey(key)
	for i := 0; i < maxCASTries; i++ {
		if err := ctx.Err(); err != nil {
			return 0, time.Time{}, err
		}

		entry, err := s.kv.Get(k)
		if errors.Is(err, nats.ErrKeyNotFound) {
			w := kvWindow{Count: 1, ResetAt: now.Add(window).UnixMilli()}
			b, _ := json.Marshal(w)
			if _, err := s.kv.Create(k, b); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return 0, time.Time{}, err
			}
			return w.Count, time.UnixMilli(w.ResetAt), nil
		}
		if err != nil {
			return 0, time.Time{}, err
		}

		var w kvWindow
		if err := json.Unmarshal(entry.Value(), &w); err != nil || now.UnixMilli() >= w.ResetAt {
			w = kvWindow{ResetAt: now.Add(window).UnixMilli()}
		}
		w.Count++
		b, _ := json.Marshal(w)
		if _, err := s.kv.Update(k, b, entry.Revision()); err != nil {
			// Another instance won the race; re-read.
			continue
		}
		return w.Count, time.UnixMilli(w.ResetAt), nil
	}
	return 0, time.Time{}, fmt.Errorf("rate limit %q: too much contention", key)
}
