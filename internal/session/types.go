// Package session owns the sandbox session state machine and its
// persisted metadata. No other component mutates session state; the
// manager is the single writer and hands out copies.
package session

import (
	"fmt"
	"time"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
)

// State is a session's lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateDestroyed State = "destroyed" // terminal
)

// ManagedByLabel marks containers owned by this tool for discovery.
const ManagedByLabel = "managed-by"

// ToolName is the label value identifying this tool's containers.
const ToolName = "cage"

// Session is one sandbox session's metadata. The spec is immutable for
// the session's lifetime; RuntimeRef is set once the container engine
// confirms creation.
type Session struct {
	Name       string             `json:"name"`
	Spec       config.SandboxSpec `json:"spec"`
	RuntimeRef string             `json:"runtime_ref,omitempty"`
	State      State              `json:"state"`
	CreatedAt  time.Time          `json:"created_at"`
	Labels     map[string]string  `json:"labels"`

	// Degraded flags a running session whose network filter could not
	// be established or maintained. It is a sub-state, not a fifth
	// lifecycle state.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// SessionSpec is a request to register a new session.
type SessionSpec struct {
	Spec   config.SandboxSpec
	Labels map[string]string
}

// StateTransitionError reports an operation that is illegal for the
// session's current state.
type StateTransitionError struct {
	Name  string
	State State
	Op    string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot %s in state %s", e.Name, e.Op, e.State)
}

// NotFoundError reports an unknown session name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.Name)
}
