// Package runtime defines the container engine boundary. The engine
// consumes the Runtime interface and a neutral LiveState; the Docker
// implementation is the only one in scope, but nothing outside this
// package may assume Docker-specific fields beyond what Inspect maps.
package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/policy"
)

// LaunchError reports a container engine rejection during creation or
// start. No partial session is recorded when it surfaces.
type LaunchError struct {
	Stage string // "create", "start", "network"
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("runtime: %s: %v", e.Stage, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// LiveState is the engine-neutral view of a running (or stopped)
// container, carrying exactly what the verifier needs.
type LiveState struct {
	Running        bool
	ReadOnlyRootfs bool
	CapAdd         []string
	CapDrop        []string
	SecurityOpt    []string
	NanoCPUs       int64
	MemoryBytes    int64
	PidsLimit      int64
	NetworkMode    string
	IPAddress      string
}

// NetworkState is the engine-neutral view of a bridge network.
type NetworkState struct {
	Exists     bool
	Driver     string
	ICCEnabled bool
}

// StdioStreams carries the terminal endpoints for an interactive shell.
type StdioStreams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Runtime is the container engine contract.
type Runtime interface {
	// EnsureNetwork creates the plan's bridge network if missing.
	EnsureNetwork(ctx context.Context, plan policy.EnforcementPlan) error
	// Create materializes a container for the plan without starting it
	// and returns the engine's opaque reference.
	Create(ctx context.Context, name string, plan policy.EnforcementPlan, labels map[string]string) (string, error)
	Start(ctx context.Context, ref string) error
	Stop(ctx context.Context, ref string) error
	// Remove deletes the container and its anonymous volumes.
	Remove(ctx context.Context, ref string) error
	Inspect(ctx context.Context, ref string) (LiveState, error)
	InspectNetwork(ctx context.Context, name string) (NetworkState, error)
	// Shell runs an interactive command in the container, wired to the
	// given streams, and returns its exit code.
	Shell(ctx context.Context, ref string, cmd []string, stdio StdioStreams) (int, error)
}
