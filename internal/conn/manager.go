// Package conn owns the client's gRPC channel: connect, reconnect, server
// switching, retry with backoff, and health probing. Transport failures stay
// inside this package; callers observe them as state, not panics.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/glance/internal/proto/assist"
)

// State of the logical channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected       = errors.New("not connected")
	ErrUnknownServer      = errors.New("unknown server")
	ErrRetryExhausted     = errors.New("retry attempts exhausted")
	errConnectionShutdown = errors.New("connection shutdown")
	errStateUnchanged     = errors.New("connection state did not change")
)

// Screenshots and audio ride inline in messages, so the ceiling is far above
// gRPC's 4MB default. Must match the server for interoperability.
const MaxMessageSize = 50 * 1024 * 1024

// Metrics counts connection outcomes.
type Metrics struct {
	ConnectSuccesses int       `json:"connect_successes"`
	ConnectFailures  int       `json:"connect_failures"`
	LastError        string    `json:"last_error,omitempty"`
	LastConnectedAt  time.Time `json:"last_connected_at,omitzero"`
}

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	State     State   `json:"-"`
	StateName string  `json:"state"`
	Server    string  `json:"server"`
	Metrics   Metrics `json:"metrics"`
}

// Config for the manager.
type Config struct {
	// Servers maps a server name to its address.
	Servers map[string]string
	// DefaultServer is used when Connect is called without a name.
	DefaultServer string

	ConnectTimeout time.Duration
	// KeepaliveTime must stay >= 60s: the server enforces a minimum ping
	// interval and terminates peers that ping more aggressively.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	Backoff     *Backoff
	MaxAttempts int

	HealthInterval time.Duration
	// FailureThreshold consecutive probe failures move the state to Failed
	// and stretch the probe interval. It never blocks new Connect calls.
	FailureThreshold int
}

// DefaultConfig returns production defaults for a single local server.
func DefaultConfig() Config {
	backoff, _ := NewBackoff(StrategyExponential, time.Second, 30*time.Second)
	return Config{
		Servers:          map[string]string{"default": "localhost:50051"},
		DefaultServer:    "default",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    60 * time.Second,
		KeepaliveTimeout: 10 * time.Second,
		Backoff:          backoff,
		MaxAttempts:      5,
		HealthInterval:   10 * time.Second,
		FailureThreshold: 3,
	}
}

// Manager owns exactly one logical channel to one configured server.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	// mu serializes every teardown and (re)creation of the channel so the
	// two can never overlap.
	mu            sync.Mutex
	conn          *grpc.ClientConn
	client        assist.AssistServiceClient
	state         State
	activeServer  string
	metrics       Metrics
	probeFailures int
}

// NewManager creates a manager; no connection is made until Connect.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no servers configured")
	}
	if cfg.DefaultServer == "" {
		return nil, errors.New("no default server configured")
	}
	if _, ok := cfg.Servers[cfg.DefaultServer]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, cfg.DefaultServer)
	}
	if cfg.Backoff == nil {
		cfg.Backoff, _ = NewBackoff(StrategyExponential, time.Second, 30*time.Second)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:          cfg,
		logger:       logger,
		state:        Disconnected,
		activeServer: cfg.DefaultServer,
	}, nil
}

// Connect establishes the channel to the named server ("" = current/default).
// A connect failure moves the state to Failed and returns the error; the
// manager keeps accepting further Connect calls.
func (m *Manager) Connect(ctx context.Context, serverName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, serverName, Connecting)
}

func (m *Manager) connectLocked(ctx context.Context, serverName string, via State) error {
	if serverName == "" {
		serverName = m.activeServer
	}
	addr, ok := m.cfg.Servers[serverName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownServer, serverName)
	}

	m.teardownLocked()
	m.state = via
	m.activeServer = serverName

	kacp := keepalive.ClientParameters{
		Time:                m.cfg.KeepaliveTime,
		Timeout:             m.cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// No network I/O yet; grpc.NewClient is lazy.
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(assist.Codec{}),
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	)
	if err != nil {
		m.recordFailureLocked(err)
		return fmt.Errorf("create channel to %s: %w", addr, err)
	}

	// Force a connection attempt now so bad endpoints fail fast.
	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, cc); err != nil {
		if closeErr := cc.Close(); closeErr != nil {
			m.logger.Warn("failed to close channel after readiness failure", "error", closeErr)
		}
		m.recordFailureLocked(err)
		return fmt.Errorf("server %s at %s not ready: %w", serverName, addr, err)
	}

	m.conn = cc
	m.client = assist.NewAssistServiceClient(cc)
	m.state = Connected
	m.probeFailures = 0
	m.metrics.ConnectSuccesses++
	m.metrics.LastConnectedAt = time.Now()
	m.logger.Info("connected", "server", serverName, "address", addr)
	return nil
}

func (m *Manager) recordFailureLocked(err error) {
	m.state = Failed
	m.metrics.ConnectFailures++
	m.metrics.LastError = err.Error()
}

func waitForReady(ctx context.Context, cc *grpc.ClientConn) error {
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			cc.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !cc.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errStateUnchanged, state)
		}
	}
}

func (m *Manager) teardownLocked() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("failed to close channel", "error", err)
		}
		m.conn = nil
		m.client = nil
	}
}

// Disconnect tears the channel down.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.state = Disconnected
}

// Reconnect tears down and re-establishes the channel to the active server.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, m.activeServer, Reconnecting)
}

// SwitchServer moves the channel to a different configured server.
func (m *Manager) SwitchServer(ctx context.Context, serverName string) error {
	if serverName == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownServer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, serverName, Connecting)
}

// Client returns the service client, or ErrNotConnected.
func (m *Manager) Client() (assist.AssistServiceClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, ErrNotConnected
	}
	return m.client, nil
}

// StateSnapshot returns the current state and metrics.
func (m *Manager) StateSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:     m.state,
		StateName: m.state.String(),
		Server:    m.activeServer,
		Metrics:   m.metrics,
	}
}

// ExecuteWithRetry runs op against the client, reconnecting and backing off
// between attempts. The last error is propagated once attempts are exhausted.
func (m *Manager) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context, client assist.AssistServiceClient) error) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := m.cfg.Backoff.DelayWithJitter(attempt - 1)
			m.logger.Info("retrying", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Reconnect(ctx); err != nil {
				lastErr = err
				continue
			}
		}

		client, err := m.Client()
		if err != nil {
			if connErr := m.Connect(ctx, ""); connErr != nil {
				lastErr = connErr
				continue
			}
			client, err = m.Client()
			if err != nil {
				lastErr = err
				continue
			}
		}

		if err := op(ctx, client); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, m.cfg.MaxAttempts, lastErr)
}

// StartHealthProbe checks channel readiness periodically until ctx ends.
// Repeated failures mark the state Failed and stretch the probe interval;
// they never lock the manager out of future connects.
func (m *Manager) StartHealthProbe(ctx context.Context) {
	interval := m.cfg.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				next := interval
				if !m.probe() && m.probeFailureCount() >= m.cfg.FailureThreshold {
					// Degraded: probe less aggressively.
					next = interval * 2
				}
				timer.Reset(next)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) probe() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return m.state == Disconnected // deliberate disconnect is not a failure
	}
	switch m.conn.GetState() {
	case connectivity.Ready, connectivity.Idle:
		if m.state != Connected {
			m.state = Connected
		}
		m.probeFailures = 0
		return true
	default:
		m.probeFailures++
		m.logger.Warn("health probe failed",
			"state", m.conn.GetState().String(),
			"consecutive", m.probeFailures)
		if m.probeFailures >= m.cfg.FailureThreshold {
			m.state = Failed
		}
		return false
	}
}

func (m *Manager) probeFailureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeFailures
}
