package audit

import (
	"context"

	"go.uber.org/zap"
)

// Sink receives telemetry from the lifecycle. Emit must not fail the caller:
// implementations swallow and log their own errors.
type Sink interface {
	Emit(ctx context.Context, r Record)
}

// Nop discards every record.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Record) {}

// StoreSink appends records to a Store and logs append failures.
type StoreSink struct {
	store  Store
	logger *zap.Logger
}

// NewStoreSink creates a StoreSink. A nil logger disables failure logging.
func NewStoreSink(store Store, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{store: store, logger: logger}
}

// Emit appends r. The caller's cancellation does not abort the write.
func (s *StoreSink) Emit(ctx context.Context, r Record) {
	if _, err := s.store.Append(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Warn("audit append failed",
			zap.String("type", r.Type),
			zap.String("task_id", r.TaskID),
			zap.Error(err))
	}
}
