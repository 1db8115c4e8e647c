// Package mode holds the application's pipeline stage. The Machine is the
// single source of truth: everything else learns about transitions through
// the app.mode_changed topic.
package mode

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/glance/internal/eventbus"
)

// Mode is the application's current pipeline stage.
type Mode int

const (
	Sleeping Mode = iota
	Listening
	Processing
	Speaking
)

func (m Mode) String() string {
	switch m {
	case Sleeping:
		return "sleeping"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

const defaultHistorySize = 32

// Transition is one recorded mode change.
type Transition struct {
	From   Mode
	To     Mode
	Reason string
	At     time.Time
}

// Machine tracks current and previous mode plus a bounded history.
type Machine struct {
	bus    *eventbus.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	current  Mode
	previous Mode
	history  []Transition
	maxHist  int
}

// NewMachine creates a machine starting in Sleeping.
func NewMachine(bus *eventbus.Bus, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		bus:     bus,
		logger:  logger,
		maxHist: defaultHistorySize,
	}
}

// Request transitions to the target mode and publishes app.mode_changed.
// Requesting the current mode is a no-op.
func (m *Machine) Request(target Mode, reason string) {
	m.mu.Lock()
	if m.current == target {
		m.mu.Unlock()
		return
	}
	from := m.current
	m.previous = m.current
	m.current = target
	m.history = append(m.history, Transition{From: from, To: target, Reason: reason, At: time.Now()})
	if len(m.history) > m.maxHist {
		m.history = m.history[len(m.history)-m.maxHist:]
	}
	m.mu.Unlock()

	m.logger.Info("mode changed", "from", from.String(), "to", target.String(), "reason", reason)
	if m.bus != nil {
		if err := m.bus.Publish(eventbus.TopicModeChanged, eventbus.ModeChangedPayload{
			Mode:     target.String(),
			Previous: from.String(),
			Reason:   reason,
		}); err != nil {
			m.logger.Error("failed to publish mode change", "error", err)
		}
	}
}

// Current returns the current mode.
func (m *Machine) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Previous returns the mode before the last transition.
func (m *Machine) Previous() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.previous
}

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
