// Package transform holds the generic graph optimization passes the
// compiler runs before and after gradient construction.
//
// Passes are registered per level and applied repeatedly until the graph
// stops changing, up to a fixed step cap per level.
package transform

import (
	"fmt"
	"log/slog"

	"github.com/born-ml/gradgraph/internal/graph"
)

// Level orders transformer batches. Level1 passes are safe everywhere;
// Level2 passes assume a training graph.
type Level int

const (
	Level1 Level = 1
	Level2 Level = 2

	// MaxLevel is the highest registered level.
	MaxLevel = Level2
)

// maxSteps caps fixpoint iteration per level.
const maxSteps = 8

// Transformer is a single rewriting pass. Apply reports whether the graph
// was modified. A pass must leave the graph structurally valid; the manager
// re-resolves after every modifying pass.
type Transformer interface {
	Name() string
	Apply(g *graph.Graph) (bool, error)
}

// Manager owns the registered passes.
type Manager struct {
	levels map[Level][]Transformer
	logger *slog.Logger
}

// NewManager creates a manager with the default pass set registered.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{levels: make(map[Level][]Transformer), logger: logger}
	m.Register(Level1, IdentityElimination{})
	m.Register(Level1, DeadNodeElimination{})
	m.Register(Level1, UnreferencedInitializerCleanup{})
	m.Register(Level2, NoOpTransposeElimination{})
	return m
}

// Register adds a pass at the given level.
func (m *Manager) Register(level Level, t Transformer) {
	m.levels[level] = append(m.levels[level], t)
}

// ApplyLevel runs all passes of one level to a fixpoint.
func (m *Manager) ApplyLevel(g *graph.Graph, level Level) error {
	for step := 0; step < maxSteps; step++ {
		changed := false
		for _, t := range m.levels[level] {
			mod, err := t.Apply(g)
			if err != nil {
				return fmt.Errorf("transformer %s: %w", t.Name(), err)
			}
			if mod {
				changed = true
				if err := g.Resolve(); err != nil {
					return fmt.Errorf("transformer %s left graph unresolvable: %w", t.Name(), err)
				}
				m.logger.Debug("transformer modified graph", "pass", t.Name(), "level", int(level))
			}
		}
		if !changed {
			return nil
		}
	}
	return nil
}

// ApplyAll runs every level in ascending order.
func (m *Manager) ApplyAll(g *graph.Graph) error {
	for level := Level1; level <= MaxLevel; level++ {
		if err := m.ApplyLevel(g, level); err != nil {
			return err
		}
	}
	return nil
}
