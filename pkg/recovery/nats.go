package recovery

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultBucket is the JetStream key-value bucket for recovery records.
const DefaultBucket = "tenantd_recovery"

// NATSConfig configures a NATSStore.
type NATSConfig struct {
	Conn *nats.Conn
	// Bucket defaults to DefaultBucket.
	Bucket string
	// TTL is the bucket-wide retention. Per-key TTLs shorter than this are
	// enforced on read.
	TTL      time.Duration
	Replicas int
}

// NATSStore is a Store backed by a JetStream key-value bucket, shared by
// every process connected to the same cluster.
type NATSStore struct {
	kv  nats.KeyValue
	now func() time.Time
}

// NewNATSStore binds to the bucket, creating it when missing.
func NewNATSStore(cfg NATSConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, errors.New("nats connection is required")
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := cfg.Conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "tenantd connection recovery records",
			TTL:         cfg.TTL,
			Replicas:    cfg.Replicas,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to bind recovery bucket %s: %w", bucket, err)
	}

	return &NATSStore{kv: kv, now: time.Now}, nil
}

// KV keys only allow a restricted alphabet, so arbitrary keys are encoded.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// values are prefixed with an 8-byte big-endian expiry in unix milliseconds
func (s *NATSStore) encode(value []byte, ttl time.Duration) []byte {
	var expires int64
	if ttl > 0 {
		expires = s.now().Add(ttl).UnixMilli()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expires))
	copy(buf[8:], value)
	return buf
}

func (s *NATSStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.kv.Put(natsKey(key), s.encode(value, ttl)); err != nil {
		return fmt.Errorf("failed to store recovery key: %w", err)
	}
	return nil
}

func (s *NATSStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(natsKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery key: %w", err)
	}

	raw := entry.Value()
	if len(raw) < 8 {
		return nil, fmt.Errorf("corrupt recovery value for key %q", key)
	}
	expires := int64(binary.BigEndian.Uint64(raw[:8]))
	if expires != 0 && s.now().UnixMilli() >= expires {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw[8:]...), nil
}

func (s *NATSStore) Delete(_ context.Context, key string) error {
	err := s.kv.Delete(natsKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete recovery key: %w", err)
	}
	return nil
}
