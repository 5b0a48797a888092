package pipeline

import (
	"log/slog"

	"pipeflow/internal/domain"
)

// Engine names accepted by NewProcessor.
const (
	EngineAtomic = "atomic"
	EngineLegacy = "legacy"
)

// NewProcessor returns the processing engine selected by name. Both engines
// share the same store, queue and dispatcher so they can be switched without
// migrating state.
func NewProcessor(
	engine string,
	store domain.JobStore,
	leases domain.LeaseService,
	queue domain.WorkScheduler,
	dispatcher domain.SideEffectDispatcher,
	logger *slog.Logger,
	opts EngineOptions,
) (domain.Processor, error) {
	switch engine {
	case "", EngineAtomic:
		return NewAtomicEngine(store, leases, queue, dispatcher, logger, opts), nil
	case EngineLegacy:
		return NewLegacyEngine(store, queue, dispatcher, logger, opts), nil
	default:
		return nil, domain.ErrValidation("unknown processing engine %q", engine)
	}
}
