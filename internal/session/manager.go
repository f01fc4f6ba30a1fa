package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config holds configuration for creating a Manager.
type Config struct {
	// StateDir holds one JSON metadata file per session.
	StateDir string
	Logger   *log.Logger
}

// Manager is the session registry and state machine. Operations on
// different sessions proceed in parallel; operations within one session
// are serialized through Lock.
type Manager struct {
	stateDir string
	logger   *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	opMu  sync.Mutex
	opLks map[string]*sync.Mutex
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("session: state directory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[session] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Manager{
		stateDir: cfg.StateDir,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		opLks:    make(map[string]*sync.Mutex),
	}, nil
}

// Start loads persisted session metadata. Unreadable records are logged
// and skipped; the container engine remains the source of truth for
// liveness and records are reconciled against it at read time.
func (m *Manager) Start() error {
	if err := os.MkdirAll(m.stateDir, 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	entries, err := os.ReadDir(m.stateDir)
	if err != nil {
		return fmt.Errorf("read state directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(m.stateDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Printf("warning: could not read %s: %v", path, err)
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			m.logger.Printf("warning: could not parse %s: %v", path, err)
			continue
		}
		if sess.Name == "" || sess.State == StateDestroyed {
			continue
		}
		m.sessions[sess.Name] = &sess
	}

	m.logger.Printf("loaded %d sessions from %s", len(m.sessions), m.stateDir)
	return nil
}

// Lock serializes operations within one session and returns the unlock
// function. Different sessions never contend on it.
func (m *Manager) Lock(name string) func() {
	m.opMu.Lock()
	lk, ok := m.opLks[name]
	if !ok {
		lk = &sync.Mutex{}
		m.opLks[name] = lk
	}
	m.opMu.Unlock()

	lk.Lock()
	return lk.Unlock
}

// Create registers a new session in state Created with a generated,
// collision-checked name, and persists it.
func (m *Manager) Create(spec SessionSpec) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	taken := make(map[string]bool, len(m.sessions))
	for name, sess := range m.sessions {
		if sess.State != StateDestroyed {
			taken[name] = true
		}
	}

	name, err := generateName(taken)
	if err != nil {
		return Session{}, err
	}

	sess := &Session{
		Name:      name,
		Spec:      spec.Spec,
		State:     StateCreated,
		CreatedAt: time.Now().UTC(),
		Labels: map[string]string{
			ManagedByLabel: ToolName,
		},
	}
	for k, v := range spec.Labels {
		sess.Labels[k] = v
	}

	if err := m.persistLocked(sess); err != nil {
		return Session{}, err
	}
	m.sessions[name] = sess

	m.logger.Printf("created session %s", name)
	return *sess, nil
}

// MarkRunning transitions Created -> Running once the container engine
// has confirmed launch, recording the runtime reference.
func (m *Manager) MarkRunning(name, runtimeRef string) error {
	return m.transition(name, "start", func(sess *Session) error {
		if sess.State != StateCreated {
			return &StateTransitionError{Name: name, State: sess.State, Op: "start"}
		}
		sess.State = StateRunning
		sess.RuntimeRef = runtimeRef
		return nil
	})
}

// MarkDegraded flags a running session whose filter failed. The session
// stays in the Running lifecycle state.
func (m *Manager) MarkDegraded(name, reason string) error {
	return m.transition(name, "degrade", func(sess *Session) error {
		if sess.State != StateRunning {
			return &StateTransitionError{Name: name, State: sess.State, Op: "degrade"}
		}
		sess.Degraded = true
		sess.DegradedReason = reason
		return nil
	})
}

// MarkStopped transitions Running -> Stopped. Stopping a Created or
// already Stopped session is an idempotent no-op; stopping a Destroyed
// session is illegal.
func (m *Manager) MarkStopped(name string) error {
	return m.transition(name, "stop", func(sess *Session) error {
		switch sess.State {
		case StateRunning:
			sess.State = StateStopped
			return nil
		case StateCreated, StateStopped:
			return nil
		default:
			return &StateTransitionError{Name: name, State: sess.State, Op: "stop"}
		}
	})
}

// CheckOperable returns nil only when the named operation is legal for
// the session's current state. exec/shell require Running.
func (m *Manager) CheckOperable(name, op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[name]
	if !exists {
		return &NotFoundError{Name: name}
	}
	if sess.State != StateRunning {
		return &StateTransitionError{Name: name, State: sess.State, Op: op}
	}
	return nil
}

// Destroy transitions any non-Destroyed state to Destroyed and removes
// the persisted metadata. It reports alreadyDestroyed=true (and no
// error) when the session was previously destroyed in this process, so
// callers can surface "already destroyed" instead of a missing-container
// error. Destroyed is terminal: the in-memory tombstone only guards the
// name until process exit.
func (m *Manager) Destroy(name string) (alreadyDestroyed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[name]
	if !exists {
		return false, &NotFoundError{Name: name}
	}
	if sess.State == StateDestroyed {
		return true, nil
	}

	sess.State = StateDestroyed
	path := m.sessionPath(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove session metadata: %w", err)
	}

	m.logger.Printf("destroyed session %s", name)
	return false, nil
}

// Get returns a copy of a session's metadata.
func (m *Manager) Get(name string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, exists := m.sessions[name]
	if !exists || sess.State == StateDestroyed {
		return Session{}, &NotFoundError{Name: name}
	}
	return *sess, nil
}

// List returns copies of all non-destroyed sessions, sorted by name.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.State == StateDestroyed {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reconcile corrects a session's lifecycle state against the container
// engine's observed liveness. Metadata is advisory; the container is
// the source of truth.
func (m *Manager) Reconcile(name string, containerRunning bool) error {
	return m.transition(name, "reconcile", func(sess *Session) error {
		switch {
		case sess.State == StateRunning && !containerRunning:
			m.logger.Printf("session %s: container no longer running, marking stopped", name)
			sess.State = StateStopped
		case sess.State == StateStopped && containerRunning:
			m.logger.Printf("session %s: container running again, marking running", name)
			sess.State = StateRunning
		}
		return nil
	})
}

// transition applies a mutation under the write lock and persists the
// result.
func (m *Manager) transition(name, op string, mutate func(*Session) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[name]
	if !exists || sess.State == StateDestroyed {
		if exists {
			return &StateTransitionError{Name: name, State: StateDestroyed, Op: op}
		}
		return &NotFoundError{Name: name}
	}

	before := *sess
	if err := mutate(sess); err != nil {
		*sess = before
		return err
	}

	if err := m.persistLocked(sess); err != nil {
		*sess = before
		return err
	}
	return nil
}

// persistLocked writes a session's metadata atomically (temp file, then
// rename). Caller holds the write lock.
func (m *Manager) persistLocked(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.Name, err)
	}

	path := m.sessionPath(sess.Name)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

func (m *Manager) sessionPath(name string) string {
	return filepath.Join(m.stateDir, name+".json")
}
