// Package session tracks in-flight generation sessions and the interrupt
// flags that cancel them, keyed by hardware identity.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a tracked session.
type Status string

const (
	StatusActive      Status = "active"
	StatusInterrupted Status = "interrupted"
	StatusDone        Status = "done"
	StatusExpired     Status = "expired"
)

// DefaultTTL bounds worst-case retention of a session whose cancellation was
// lost. Sessions are removed by the sweep, never by stream completion alone,
// so a late-arriving interrupt still finds them.
const DefaultTTL = 30 * time.Second

const sweepInterval = 5 * time.Second

// Session is one in-flight (or recently finished) generation call.
type Session struct {
	ID           string
	HardwareID   string
	Status       Status
	CreatedAt    time.Time
	LastActivity time.Time

	// generation is the value of the hardware identity's register counter
	// when this session was created. Interrupts raised against an earlier
	// generation do not apply to it.
	generation uint64
}

// Info is a read-only copy of a session for the debug API.
type Info struct {
	ID           string    `json:"id"`
	HardwareID   string    `json:"hardware_id"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// interruptMark records the newest generation an interrupt was raised against.
type interruptMark struct {
	generation uint64
	reason     string
	raisedAt   time.Time
}

// Registry is the single piece of shared mutable state on the server. All
// mutation goes through its mutex; reads during generation are O(1).
type Registry struct {
	mu         sync.RWMutex
	ttl        time.Duration
	sessions   map[string]*Session
	byHardware map[string]map[string]*Session
	marks      map[string]interruptMark
	gens       map[string]uint64
	logger     *slog.Logger
}

// NewRegistry creates a registry with the given TTL (DefaultTTL if <= 0).
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ttl:        ttl,
		sessions:   make(map[string]*Session),
		byHardware: make(map[string]map[string]*Session),
		marks:      make(map[string]interruptMark),
		gens:       make(map[string]uint64),
		logger:     logger,
	}
}

// Register creates a session for a hardware identity and advances the
// identity's generation so previously raised interrupts cannot leak into it.
func (r *Registry) Register(hardwareID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gens[hardwareID]++
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		HardwareID:   hardwareID,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		generation:   r.gens[hardwareID],
	}
	r.sessions[s.ID] = s
	if _, ok := r.byHardware[hardwareID]; !ok {
		r.byHardware[hardwareID] = make(map[string]*Session)
	}
	r.byHardware[hardwareID][s.ID] = s

	r.logger.Info("session registered", "session_id", s.ID, "hardware_id", hardwareID)
	return s
}

// Interrupted reports whether an interrupt applying to the identity's current
// generation has been raised. Generation loops poll this before every unit of
// work.
func (r *Registry) Interrupted(hardwareID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mark, ok := r.marks[hardwareID]
	return ok && mark.generation >= r.gens[hardwareID]
}

// SessionInterrupted reports whether a specific session must stop: either an
// interrupt was raised at or after the generation it was created in, or the
// session has already left the active state.
func (r *Registry) SessionInterrupted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return true
	}
	if s.Status != StatusActive {
		return true
	}
	mark, ok := r.marks[s.HardwareID]
	return ok && mark.generation >= s.generation
}

// Interrupt raises the identity's flag and marks every active session for it
// interrupted. Returns the affected session ids; an empty result is a valid
// no-op, not an error.
func (r *Registry) Interrupt(hardwareID, reason string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.marks[hardwareID] = interruptMark{
		generation: r.gens[hardwareID],
		reason:     reason,
		raisedAt:   time.Now(),
	}

	var ids []string
	for _, s := range r.byHardware[hardwareID] {
		if s.Status == StatusActive {
			s.Status = StatusInterrupted
			s.LastActivity = time.Now()
			ids = append(ids, s.ID)
		}
	}

	r.logger.Info("interrupt raised",
		"hardware_id", hardwareID,
		"reason", reason,
		"interrupted_count", len(ids))
	return ids
}

// Touch refreshes a session's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
}

// Complete marks a session finished. The session stays queryable for the
// grace window so a racing interrupt call resolves deterministically; only
// the sweep removes it.
func (r *Registry) Complete(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.Status == StatusActive {
		s.Status = status
	}
	s.LastActivity = time.Now()
}

// Get returns a copy of the session, if still tracked.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Info{}, false
	}
	return infoOf(s), true
}

// ActiveCount returns the number of sessions still marked active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every tracked session.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, infoOf(s))
	}
	return out
}

// Sweep removes sessions whose last activity is older than the TTL,
// regardless of interrupt state. Re-running the sweep is a no-op.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity) <= r.ttl {
			continue
		}
		s.Status = StatusExpired
		delete(r.sessions, id)
		if peers, ok := r.byHardware[s.HardwareID]; ok {
			delete(peers, id)
			if len(peers) == 0 {
				delete(r.byHardware, s.HardwareID)
			}
		}
		removed++
		r.logger.Info("session expired", "session_id", id, "hardware_id", s.HardwareID)
	}
	return removed
}

// StartSweeper runs periodic sweeps until ctx is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("session sweeper started", "interval", sweepInterval, "ttl", r.ttl)
		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(time.Now()); n > 0 {
					r.logger.Info("session sweep completed", "removed", n)
				}
			case <-ctx.Done():
				r.logger.Info("session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func infoOf(s *Session) Info {
	return Info{
		ID:           s.ID,
		HardwareID:   s.HardwareID,
		Status:       s.Status,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}
