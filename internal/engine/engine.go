// Package engine orchestrates the sandbox lifecycle: it wires the
// config resolver, policy builder, container runtime, network filter,
// session manager and verifier into the start/stop/shell/destroy/
// status/audit flows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/events"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/netfilter"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/policy"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/runtime"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/session"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/verify"
)

// NetworkFilter is the slice of the filter manager the engine drives.
type NetworkFilter interface {
	Attach(ctx context.Context, sessionName, containerIP string, plan policy.EnforcementPlan) error
	Detach(sessionName, containerIP string) error
	Shutdown()
}

// Auditor produces per-layer verification reports.
type Auditor interface {
	Inspect(ctx context.Context, sess session.Session) verify.AuditReport
}

// Config holds the engine's collaborators.
type Config struct {
	Sessions *session.Manager
	Runtime  runtime.Runtime
	Filter   NetworkFilter
	Auditor  Auditor
	Events   *events.Log
	Logger   *log.Logger
}

// Engine is the sandbox lifecycle orchestrator.
type Engine struct {
	sessions *session.Manager
	rt       runtime.Runtime
	filter   NetworkFilter
	auditor  Auditor
	events   *events.Log
	logger   *log.Logger
}

// New creates an engine. Sessions, Runtime and Filter are required;
// Auditor defaults to a verifier over the same runtime and filter when
// it implements snapshotting.
func New(cfg Config) (*Engine, error) {
	if cfg.Sessions == nil || cfg.Runtime == nil || cfg.Filter == nil {
		return nil, fmt.Errorf("engine: sessions, runtime and filter are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Engine{
		sessions: cfg.Sessions,
		rt:       cfg.Runtime,
		filter:   cfg.Filter,
		auditor:  cfg.Auditor,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}, nil
}

// containerName is the engine-side name for a session's container.
func containerName(sessionName string) string {
	return session.ToolName + "-" + sessionName
}

// Start launches a new session from a resolved spec and returns its
// metadata. On any launch failure no partial session survives: the
// metadata is removed and the container, if created, is deleted. A
// filter failure after launch leaves the session Running but Degraded
// and is returned to the caller; the engine never silently downgrades
// to an unfiltered network.
func (e *Engine) Start(ctx context.Context, spec config.SandboxSpec) (session.Session, error) {
	plan := policy.Build(spec)
	if plan.ReducedIsolation {
		e.logger.Printf("warning: host networking requested: reduced isolation, no outbound filtering")
	}

	sess, err := e.sessions.Create(session.SessionSpec{Spec: spec})
	if err != nil {
		return session.Session{}, err
	}
	unlock := e.sessions.Lock(sess.Name)
	defer unlock()

	if err := e.rt.EnsureNetwork(ctx, plan); err != nil {
		e.discard(sess.Name)
		return session.Session{}, err
	}

	ref, err := e.rt.Create(ctx, containerName(sess.Name), plan, sess.Labels)
	if err != nil {
		e.discard(sess.Name)
		return session.Session{}, err
	}

	if err := e.rt.Start(ctx, ref); err != nil {
		if rmErr := e.rt.Remove(context.Background(), ref); rmErr != nil {
			e.logger.Printf("warning: remove failed container: %v", rmErr)
		}
		e.discard(sess.Name)
		return session.Session{}, err
	}

	if err := e.sessions.MarkRunning(sess.Name, ref); err != nil {
		return session.Session{}, err
	}
	e.emit(sess.Name, "start", "container "+ref, nil)

	if plan.Network == config.NetworkFiltered {
		if err := e.attachFilter(ctx, sess.Name, ref, plan); err != nil {
			if markErr := e.sessions.MarkDegraded(sess.Name, err.Error()); markErr != nil {
				e.logger.Printf("warning: mark degraded: %v", markErr)
			}
			e.emit(sess.Name, "degrade", "", err)
			sess, _ := e.sessions.Get(sess.Name)
			return sess, err
		}
		e.emit(sess.Name, "attach", "", nil)
	}

	return e.sessions.Get(sess.Name)
}

// attachFilter resolves the container's bridge address and installs the
// allowlist. The container has unrestricted network between start and
// rule installation; that window is minimized, not eliminated, since
// rules cannot precede the network namespace.
func (e *Engine) attachFilter(ctx context.Context, name, ref string, plan policy.EnforcementPlan) error {
	live, err := e.rt.Inspect(ctx, ref)
	if err != nil {
		return &netfilter.FilterError{Session: name, Reason: "inspect container for bridge address", Err: err}
	}
	return e.filter.Attach(ctx, name, live.IPAddress, plan)
}

// discard removes the metadata of a session that never launched.
func (e *Engine) discard(name string) {
	if _, err := e.sessions.Destroy(name); err != nil {
		e.logger.Printf("warning: discard session %s: %v", name, err)
	}
}

// Stop detaches the filter, stops or removes the container (per the
// spec's ephemeral flag) and transitions the session to Stopped.
// Stopping a session that is not Running is an idempotent no-op;
// stopping a destroyed session is a state error.
func (e *Engine) Stop(ctx context.Context, name string) error {
	unlock := e.sessions.Lock(name)
	defer unlock()

	sess, err := e.sessions.Get(name)
	if err != nil {
		return err
	}

	if sess.State == session.StateRunning {
		e.detachFilter(ctx, sess)

		if sess.RuntimeRef != "" {
			if sess.Spec.Ephemeral {
				err = e.rt.Remove(ctx, sess.RuntimeRef)
			} else {
				err = e.rt.Stop(ctx, sess.RuntimeRef)
			}
			if err != nil {
				return fmt.Errorf("stop session %s: %w", name, err)
			}
		}
	}

	if err := e.sessions.MarkStopped(name); err != nil {
		return err
	}
	e.emit(name, "stop", "", nil)
	return nil
}

// StopAll stops every running session, continuing past individual
// failures and returning the first error encountered.
func (e *Engine) StopAll(ctx context.Context) error {
	var firstErr error
	for _, sess := range e.sessions.List() {
		if sess.State != session.StateRunning {
			continue
		}
		if err := e.Stop(ctx, sess.Name); err != nil {
			e.logger.Printf("stop %s: %v", sess.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// detachFilter tears down a session's allowlist; safe on sessions that
// never had one.
func (e *Engine) detachFilter(ctx context.Context, sess session.Session) {
	if sess.Spec.Network != config.NetworkFiltered {
		return
	}
	containerIP := ""
	if sess.RuntimeRef != "" {
		if live, err := e.rt.Inspect(ctx, sess.RuntimeRef); err == nil {
			containerIP = live.IPAddress
		}
	}
	if err := e.filter.Detach(sess.Name, containerIP); err != nil {
		e.logger.Printf("warning: detach filter for %s: %v", sess.Name, err)
	}
	e.emit(sess.Name, "detach", "", nil)
}

// Shell runs an interactive login shell in a running session.
func (e *Engine) Shell(ctx context.Context, name string, stdio runtime.StdioStreams) (int, error) {
	if err := e.sessions.CheckOperable(name, "shell"); err != nil {
		return -1, err
	}
	sess, err := e.sessions.Get(name)
	if err != nil {
		return -1, err
	}
	return e.rt.Shell(ctx, sess.RuntimeRef, []string{"/bin/sh", "-l"}, stdio)
}

// Destroy removes the container, its volumes, the filter chains and the
// persisted metadata. It is legal from any non-destroyed state. The
// second destroy of the same session reports alreadyDestroyed rather
// than a missing-container error.
func (e *Engine) Destroy(ctx context.Context, name string) (alreadyDestroyed bool, err error) {
	unlock := e.sessions.Lock(name)
	defer unlock()

	sess, err := e.sessions.Get(name)
	if err != nil {
		var notFound *session.NotFoundError
		if errors.As(err, &notFound) {
			// Either never existed or already destroyed this process;
			// the manager distinguishes the two.
			return e.sessions.Destroy(name)
		}
		return false, err
	}

	e.detachFilter(ctx, sess)

	if sess.RuntimeRef != "" {
		if err := e.rt.Remove(ctx, sess.RuntimeRef); err != nil {
			return false, fmt.Errorf("destroy session %s: %w", name, err)
		}
	}

	already, err := e.sessions.Destroy(name)
	if err != nil {
		return already, err
	}
	e.emit(name, "destroy", "", nil)
	return already, nil
}

// Status returns a session's metadata reconciled against the container
// engine: the container is the source of truth for liveness, metadata
// is advisory.
func (e *Engine) Status(ctx context.Context, name string) (session.Session, error) {
	sess, err := e.sessions.Get(name)
	if err != nil {
		return session.Session{}, err
	}

	if sess.RuntimeRef != "" {
		if live, err := e.rt.Inspect(ctx, sess.RuntimeRef); err == nil {
			if err := e.sessions.Reconcile(name, live.Running); err != nil {
				e.logger.Printf("warning: reconcile %s: %v", name, err)
			}
		}
	}
	return e.sessions.Get(name)
}

// StatusAll returns all sessions, reconciled.
func (e *Engine) StatusAll(ctx context.Context) []session.Session {
	listed := e.sessions.List()
	out := make([]session.Session, 0, len(listed))
	for _, sess := range listed {
		reconciled, err := e.Status(ctx, sess.Name)
		if err != nil {
			out = append(out, sess)
			continue
		}
		out = append(out, reconciled)
	}
	return out
}

// Audit produces the per-layer verification report for a session.
func (e *Engine) Audit(ctx context.Context, name string) (verify.AuditReport, error) {
	sess, err := e.Status(ctx, name)
	if err != nil {
		return verify.AuditReport{}, err
	}
	if e.auditor == nil {
		return verify.AuditReport{}, fmt.Errorf("engine: no auditor configured")
	}

	report := e.auditor.Inspect(ctx, sess)
	detail := "pass"
	if !report.AllPass() {
		detail = "mismatch"
	}
	e.emit(name, "audit", detail, nil)
	return report, nil
}

// Shutdown cancels background refresh loops without disturbing the
// installed rule sets or running containers.
func (e *Engine) Shutdown() {
	e.filter.Shutdown()
	e.events.Close()
}

func (e *Engine) emit(name, op, detail string, opErr error) {
	rec := events.Record{Session: name, Operation: op, Detail: detail}
	if opErr != nil {
		rec.Error = opErr.Error()
	}
	e.events.Emit(rec)
}
