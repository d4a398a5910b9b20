// Package registry bundles the engine's long-lived services into one
// explicit handle.
//
// Everything that used to be a process-wide singleton in orchestrators
// of this shape (queue, bead store, formula registry, piper, config)
// lives on a Services value built once at startup and passed through
// constructors. Tests substitute individual fields: an in-memory bead
// store, a queue in a temp dir, a scripted handler.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/formula"
	"github.com/citadel-dev/citadel/internal/piper"
	"github.com/citadel-dev/citadel/internal/queue"
)

// Services carries the shared engine components.
type Services struct {
	Config       config.Manager
	Beads        beads.Store
	Queue        *queue.Queue
	Formulas     *formula.Registry
	Instantiator *formula.Instantiator
	Piper        *piper.Piper
	Logger       *slog.Logger
}

// New assembles a Services value from its base components, deriving the
// instantiator and piper.
func New(mgr config.Manager, store beads.Store, q *queue.Queue, formulas *formula.Registry, logger *slog.Logger) *Services {
	return &Services{
		Config:       mgr,
		Beads:        store,
		Queue:        q,
		Formulas:     formulas,
		Instantiator: formula.NewInstantiator(store, formulas, logger),
		Piper:        piper.New(store, q, logger),
		Logger:       logger,
	}
}

// Validate reports the first missing service.
func (s *Services) Validate() error {
	switch {
	case s.Config == nil:
		return fmt.Errorf("registry: config manager not set")
	case s.Beads == nil:
		return fmt.Errorf("registry: bead store not set")
	case s.Queue == nil:
		return fmt.Errorf("registry: queue not set")
	case s.Formulas == nil:
		return fmt.Errorf("registry: formula registry not set")
	case s.Instantiator == nil:
		return fmt.Errorf("registry: instantiator not set")
	case s.Piper == nil:
		return fmt.Errorf("registry: piper not set")
	case s.Logger == nil:
		return fmt.Errorf("registry: logger not set")
	}
	return nil
}

// Close releases the resources Services owns, currently the queue's
// database handle.
func (s *Services) Close() error {
	if s.Queue == nil {
		return nil
	}
	return s.Queue.Close()
}
