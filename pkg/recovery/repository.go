package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tenantd/internal/keylock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a recovery record outlives its connection.
const DefaultTTL = 15 * time.Minute

const (
	userKeyPrefix = "recovery:user:"
	connKeyPrefix = "recovery:conn:"
)

// UserKey returns the store key of a user's record.
func UserKey(userID string) string { return userKeyPrefix + userID }

// ConnectionKey returns the store key of a connection's record.
func ConnectionKey(connectionID string) string { return connKeyPrefix + connectionID }

// Repository reads and writes Records through a Store.
type Repository struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger

	// serializes read-modify-write per user within this process
	locks keylock.Map
}

// NewRepository creates a Repository. A ttl <= 0 uses DefaultTTL.
func NewRepository(store Store, ttl time.Duration, logger *zerolog.Logger) (*Repository, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Repository{
		store:  store,
		ttl:    ttl,
		logger: l.With().Str("component", "recovery").Logger(),
	}, nil
}

// TTL returns the retention applied to saved records.
func (r *Repository) TTL() time.Duration { return r.ttl }

// LockedUsers returns how many users have a write in progress.
func (r *Repository) LockedUsers() int { return r.locks.Len() }

// Save writes rec under its connection key and its user key. Saving the same
// record twice leaves the store in the same state.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.UserID == "" {
		return errors.New("recovery record requires a user id")
	}

	unlock := r.locks.Lock(rec.UserID)
	defer unlock()

	return r.saveLocked(ctx, rec)
}

func (r *Repository) saveLocked(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode recovery record: %w", err)
	}

	if rec.ConnectionID != "" {
		if err := r.store.Set(ctx, ConnectionKey(rec.ConnectionID), data, r.ttl); err != nil {
			return err
		}
	}
	if err := r.store.Set(ctx, UserKey(rec.UserID), data, r.ttl); err != nil {
		return err
	}

	r.logger.Debug().
		Str("user_id", rec.UserID).
		Str("connection_id", rec.ConnectionID).
		Str("state", rec.State).
		Int("preserved", len(rec.PreservedMessages)).
		Int("timeout_events", len(rec.TimeoutEvents)).
		Msg("Recovery record saved")
	return nil
}

// LoadByUser returns the latest record saved for userID.
func (r *Repository) LoadByUser(ctx context.Context, userID string) (*Record, error) {
	return r.load(ctx, UserKey(userID))
}

// LoadByConnection returns the record saved for a specific connection.
func (r *Repository) LoadByConnection(ctx context.Context, connectionID string) (*Record, error) {
	return r.load(ctx, ConnectionKey(connectionID))
}

func (r *Repository) load(ctx context.Context, key string) (*Record, error) {
	data, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode recovery record: %w", err)
	}
	return &rec, nil
}

// AppendPreserved adds msgs to the user's stored record, creating it when
// absent. Messages whose ID is already stored are skipped.
func (r *Repository) AppendPreserved(ctx context.Context, userID string, msgs ...Message) error {
	if userID == "" {
		return errors.New("recovery record requires a user id")
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	rec, err := r.LoadByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		rec = &Record{UserID: userID, State: "closed"}
	} else if err != nil {
		return err
	}

	rec.PreservedMessages = mergeMessages(rec.PreservedMessages, msgs...)
	return r.saveLocked(ctx, rec)
}

// Delete removes the user's record and, when known, the connection's record.
func (r *Repository) Delete(ctx context.Context, userID, connectionID string) error {
	var errs []error
	if connectionID != "" {
		errs = append(errs, r.store.Delete(ctx, ConnectionKey(connectionID)))
	}
	errs = append(errs, r.store.Delete(ctx, UserKey(userID)))
	return errors.Join(errs...)
}
