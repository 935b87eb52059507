// Package shadow implements the Shadow State Manager: a thread-safe,
// eventually-consistent in-process replica of twin state, kept current
// by event-bus patching with reconnect-driven resync.
package shadow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mindburn-labs/aegis/pkg/eventbus"
	"github.com/mindburn-labs/aegis/pkg/twin"
	"github.com/mindburn-labs/aegis/pkg/twinclient"
)

// Manager is the shadow state replica.
type Manager struct {
	twinClient *twinclient.Client
	bus        *eventbus.Client
	logger     *slog.Logger

	shellID        string
	aasRepoID      string
	submodelRepoID string

	mu                sync.RWMutex
	shell             twin.Shell
	submodels         map[string]twin.Submodel
	initialized       bool
	eventCount        int64
	lastSyncTime      time.Time
	lastUpdateTimes   map[string]time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSubmodelRepoID sets a distinct repository id for submodel
// events; defaults to the AAS repo id.
func WithSubmodelRepoID(id string) Option {
	return func(m *Manager) { m.submodelRepoID = id }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New constructs a Manager tracking shellID via aasRepoID's event
// topics (and, unless overridden, the same repo id for submodel topics).
func New(tc *twinclient.Client, bus *eventbus.Client, shellID, aasRepoID string, opts ...Option) *Manager {
	m := &Manager{
		twinClient:      tc,
		bus:             bus,
		shellID:         shellID,
		aasRepoID:       aasRepoID,
		submodelRepoID:  aasRepoID,
		submodels:       make(map[string]twin.Submodel),
		lastUpdateTimes: make(map[string]time.Time),
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize installs event-bus subscriptions and handlers before
// taking the first snapshot, so no event observed after the snapshot
// moment is missed, then performs the initial full sync.
func (m *Manager) Initialize(ctx context.Context) error {
	subs := eventbus.BuildSubscriptionsSplit(m.aasRepoID, m.submodelRepoID)
	m.bus.SetSubscriptions(subs)
	m.bus.AddHandler(m.handleMessage)
	m.bus.AddReconnectHandler(func(ctx context.Context) {
		m.logger.Info("event bus reconnected, triggering shadow resync", "shell_id", m.shellID)
		if err := m.fullSync(ctx); err != nil {
			m.logger.Error("resync after reconnect failed", "error", err)
		}
	})

	if err := m.fullSync(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) fullSync(ctx context.Context) error {
	full, err := m.twinClient.GetFullTwin(ctx, m.shellID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.shell = full.Shell
	m.submodels = full.Submodels
	now := time.Now()
	m.lastSyncTime = now
	for id := range m.submodels {
		m.lastUpdateTimes[id] = now
	}
	return nil
}

// Refresh forces a full resync from HTTP.
func (m *Manager) Refresh(ctx context.Context) error { return m.fullSync(ctx) }

// IsInitialized reports whether the first snapshot has completed.
func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// EventCount reports the number of events applied so far.
func (m *Manager) EventCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.eventCount
}

// FreshnessSeconds reports seconds since the last full sync or applied
// submodel update event, or +Inf if neither has happened.
func (m *Manager) FreshnessSeconds() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSyncTime.IsZero() {
		return inf()
	}
	return time.Since(m.lastSyncTime).Seconds()
}

// GetSubmodelFreshness reports seconds since the named submodel was
// last updated, or +Inf if never updated.
func (m *Manager) GetSubmodelFreshness(submodelID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastUpdateTimes[submodelID]
	if !ok {
		return inf()
	}
	return time.Since(t).Seconds()
}

func inf() float64 {
	var f float64
	return 1 / f // +Inf without importing math for one constant
}

// handleMessage is the event-bus MessageHandler: parses the topic,
// drops events for repositories we do not track, applies the event
// under the state lock, and triggers a full resync on any application
// failure (fail-open toward correctness).
func (m *Manager) handleMessage(ctx context.Context, msg eventbus.Message) {
	parsed, ok := eventbus.ParseTopic(msg.Topic)
	if !ok {
		return
	}

	switch parsed.RepoType {
	case eventbus.RepositoryAAS:
		if parsed.RepoID != m.aasRepoID {
			return
		}
	case eventbus.RepositorySubmodel:
		if parsed.RepoID != m.submodelRepoID {
			return
		}
	default:
		return
	}

	m.mu.Lock()
	m.eventCount++
	m.mu.Unlock()

	if err := m.applyEvent(parsed, msg.Payload); err != nil {
		m.logger.Warn("failed to apply event, triggering resync", "topic", msg.Topic, "error", err)
		if serr := m.fullSync(ctx); serr != nil {
			m.logger.Error("resync after apply failure also failed", "error", serr)
		}
	}
}
