package audit

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/internal/clock"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink receives capability lifecycle events.
// Key material other than public keys must NEVER be passed here.
type Sink interface {
	Emit(ctx context.Context, ev models.AuditEvent) error
}

// --- Sinks ---

// StoreSink persists events to the store's audit table.
type StoreSink struct {
	store storage.Store
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(store storage.Store) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Emit(ctx context.Context, ev models.AuditEvent) error {
	return s.store.WriteAuditEvent(ctx, &ev)
}

// Query retrieves audit events, newest first.
func (s *StoreSink) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, filter)
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink on the given logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Emit(_ context.Context, ev models.AuditEvent) error {
	e := s.logger.Info().
		Str("event_id", ev.ID.String()).
		Str("kind", ev.Kind).
		Str("capability_id", ev.CapabilityID.String()).
		Time("timestamp", ev.Timestamp)
	if len(ev.ActorPublicKey) > 0 {
		e = e.Str("actor", ev.ActorPublicKey.Short())
	}
	for k, v := range ev.Metadata {
		e = e.Str("meta_"+k, v)
	}
	e.Msg("audit event")
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, ev models.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, models.AuditEvent) error { return nil }

// --- Emitter ---

// Emitter stamps events and delivers them best-effort: a sink failure is
// logged and never returned to the operation that triggered it.
type Emitter struct {
	sink  Sink
	clock clock.Clock
}

// NewEmitter wraps sink. A nil sink discards events.
func NewEmitter(sink Sink, clk clock.Clock) *Emitter {
	if sink == nil {
		sink = Nop{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Emitter{sink: sink, clock: clk}
}

// Emit records one event of the given kind.
func (e *Emitter) Emit(ctx context.Context, kind string, capabilityID uuid.UUID, actor models.PublicKey, meta map[string]string) {
	if e == nil {
		return
	}
	ev := models.AuditEvent{
		ID:             uuid.New(),
		Kind:           kind,
		CapabilityID:   capabilityID,
		ActorPublicKey: actor,
		Timestamp:      e.clock.Now(),
		Metadata:       meta,
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		log.Warn().Err(err).
			Str("kind", kind).
			Str("capability_id", capabilityID.String()).
			Msg("audit emit failed")
	}
}
