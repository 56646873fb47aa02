// Package natsbus mirrors dispatched lifecycle events onto NATS so other
// instances and audit consumers can follow every user's stream.
//
// Subjects have the form <prefix>.<userID>.<runID>.<kind>. Tokens that are not
// plain [A-Za-z0-9_-] are encoded as "~" followed by unpadded base64url.
package natsbus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harun/tenantd/pkg/dispatch"
	"github.com/harun/tenantd/pkg/lifecycle"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "tenantd.events"

// DefaultFlushTimeout bounds Flush when the caller sets no deadline.
const DefaultFlushTimeout = 5 * time.Second

const (
	headerUserID = "Tenantd-User-Id"
	headerSeq    = "Tenantd-Seq"
)

// ConnConfig configures a NATS client connection.
type ConnConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	Logger        *zerolog.Logger
}

// Connect dials NATS with reconnect handling and status logging.
func Connect(cfg ConnConfig) (*nats.Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "natsbus").Logger()

	name := cfg.Name
	if name == "" {
		name = "tenantd"
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 60
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
				return
			}
			logger.Info().Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				logger.Error().Err(err).Msg("NATS connection closed")
				return
			}
			logger.Info().Msg("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info().Str("url", cfg.URL).Msg("Connected to NATS")
	return conn, nil
}

// Mirror publishes envelopes to NATS. It implements dispatch.Mirror.
type Mirror struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// NewMirror creates a Mirror on conn. An empty prefix uses DefaultPrefix.
func NewMirror(conn *nats.Conn, prefix string, logger *zerolog.Logger) (*Mirror, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.ContainsAny(prefix, " *>") {
		return nil, fmt.Errorf("invalid subject prefix %q", prefix)
	}

	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Mirror{
		conn:   conn,
		prefix: prefix,
		logger: l.With().Str("component", "event_mirror").Logger(),
	}, nil
}

// Subject returns the subject one event is published on.
func (m *Mirror) Subject(userID, runID string, kind lifecycle.Kind) string {
	return strings.Join([]string{m.prefix, token(userID), token(runID), token(string(kind))}, ".")
}

// UserSubject matches every event of one user.
func (m *Mirror) UserSubject(userID string) string {
	return m.prefix + "." + token(userID) + ".>"
}

// Publish sends env on its subject.
func (m *Mirror) Publish(ctx context.Context, env dispatch.Envelope) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := nats.NewMsg(m.Subject(env.UserID, env.RunID, env.Phase))
	msg.Data = data
	msg.Header.Set(headerUserID, env.UserID)
	msg.Header.Set(headerSeq, strconv.FormatInt(env.Seq, 10))

	if err := m.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	m.logger.Debug().
		Str("subject", msg.Subject).
		Int64("seq", env.Seq).
		Msg("Published event")
	return nil
}

// SubscribeUser delivers every mirrored event of userID to fn.
func (m *Mirror) SubscribeUser(userID string, fn func(dispatch.Envelope)) (*nats.Subscription, error) {
	subject := m.UserSubject(userID)
	sub, err := m.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env dispatch.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			m.logger.Error().Err(err).Str("subject", msg.Subject).Msg("Failed to unmarshal event")
			return
		}
		// the subject is only a routing hint; the envelope owner is authoritative
		if env.UserID != userID {
			m.logger.Error().
				Bool("alert", true).
				Str("subject", msg.Subject).
				Str("event_user_id", env.UserID).
				Msg("Mirrored event owner does not match subscription")
			return
		}
		fn(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Flush waits until the server has processed every published event. A ctx
// without a deadline is bounded by DefaultFlushTimeout.
func (m *Mirror) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultFlushTimeout)
		defer cancel()
	}
	return m.conn.FlushWithContext(ctx)
}

func token(s string) string {
	if s != "" && !strings.HasPrefix(s, "~") && isPlainToken(s) {
		return s
	}
	return "~" + base64.RawURLEncoding.EncodeToString([]byte(s))
}

func isPlainToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
