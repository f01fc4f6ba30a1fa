// Command cage runs an AI coding agent inside a container with
// defense-in-depth isolation, managed through named, inspectable
// sessions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/engine"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/events"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/netfilter"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/runtime"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/session"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/verify"
)

const version = "1.0.0"

// Stable exit codes per error kind, so scripts can branch on failures.
const (
	exitOK         = 0
	exitGeneral    = 1
	exitConfig     = 2
	exitLaunch     = 3
	exitFilter     = 4
	exitState      = 5
	exitNotFound   = 6
	exitVerifyFail = 7
)

// command is the contract every subcommand implements. The registry is
// a finite, statically known set: an unknown command is a lookup miss
// at dispatch, never a string-convention scan.
type command interface {
	Name() string
	Synopsis() string
	Run(ctx context.Context, app *app, args []string) error
}

func registry() map[string]command {
	cmds := []command{
		&startCmd{},
		&stopCmd{},
		&shellCmd{},
		&destroyCmd{},
		&statusCmd{},
		&auditCmd{},
	}
	byName := make(map[string]command, len(cmds))
	for _, c := range cmds {
		byName[c.Name()] = c
	}
	return byName
}

func usage(cmds map[string]command) {
	fmt.Fprintf(os.Stderr, "cage v%s - container sandbox for coding agents\n\n", version)
	fmt.Fprintf(os.Stderr, "Usage: cage <command> [options]\n\nCommands:\n")
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-10s %s\n", name, cmds[name].Synopsis())
	}
}

func main() {
	cmds := registry()

	if len(os.Args) < 2 {
		usage(cmds)
		os.Exit(exitGeneral)
	}

	cmd, ok := cmds[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n\n", os.Args[1])
		usage(cmds)
		os.Exit(exitGeneral)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	app, err := newApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
	defer app.shutdown()

	if err := cmd.Run(ctx, app, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to its stable per-kind exit code.
func exitCode(err error) int {
	var (
		configErr *config.ConfigError
		launchErr *runtime.LaunchError
		filterErr *netfilter.FilterError
		stateErr  *session.StateTransitionError
		nfErr     *session.NotFoundError
		verifyErr *verifyMismatchError
	)
	switch {
	case errors.As(err, &configErr):
		return exitConfig
	case errors.As(err, &launchErr):
		return exitLaunch
	case errors.As(err, &filterErr):
		return exitFilter
	case errors.As(err, &stateErr):
		return exitState
	case errors.As(err, &nfErr):
		return exitNotFound
	case errors.As(err, &verifyErr):
		return exitVerifyFail
	}
	return exitGeneral
}

// verifyMismatchError marks a completed audit with Fail entries. It is
// not an engine error; it only carries the distinct exit code.
type verifyMismatchError struct {
	report verify.AuditReport
}

func (e *verifyMismatchError) Error() string {
	failed := 0
	for _, l := range e.report.Layers {
		if l.Status == verify.Fail {
			failed++
		}
	}
	return fmt.Sprintf("audit: %d of %d layers failed", failed, len(e.report.Layers))
}

// app holds the wired engine and its collaborators for one invocation.
type app struct {
	engine  *engine.Engine
	filter  *netfilter.Manager
	logger  *log.Logger
	dataDir string
}

func newApp() (*app, error) {
	logger := log.New(os.Stderr, "[cage] ", log.LstdFlags|log.Lmsgprefix)

	dataDir := os.Getenv("CAGE_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share", "cage")
	}

	sessions, err := session.NewManager(session.Config{
		StateDir: filepath.Join(dataDir, "sessions"),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := sessions.Start(); err != nil {
		return nil, err
	}

	rt, err := runtime.NewDocker(logger)
	if err != nil {
		return nil, err
	}

	var fw netfilter.Firewall
	fw, err = netfilter.NewIPTables()
	if err != nil {
		// Sessions without filtering still work; filtered sessions
		// will surface the failure as degraded rather than silently
		// running unfiltered.
		logger.Printf("warning: firewall backend unavailable: %v", err)
		fw = &unavailableFirewall{err: err}
	}

	filter, err := netfilter.NewManager(netfilter.Config{Firewall: fw, Logger: logger})
	if err != nil {
		return nil, err
	}

	verifier, err := verify.NewVerifier(verify.Config{
		Runtime: rt,
		Filter:  filter,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	eventLog := events.NewLog(filepath.Join(dataDir, "events.jsonl"), logger)

	eng, err := engine.New(engine.Config{
		Sessions: sessions,
		Runtime:  rt,
		Filter:   filter,
		Auditor:  verifier,
		Events:   eventLog,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &app{engine: eng, filter: filter, logger: logger, dataDir: dataDir}, nil
}

func (a *app) shutdown() {
	a.engine.Shutdown()
}

// unavailableFirewall fails every mutation with the backend's init
// error, so filtered sessions degrade loudly instead of running open.
type unavailableFirewall struct {
	err error
}

func (u *unavailableFirewall) EnsureChain(string) error              { return u.err }
func (u *unavailableFirewall) FlushChain(string) error               { return u.err }
func (u *unavailableFirewall) DeleteChain(string) error              { return u.err }
func (u *unavailableFirewall) ChainExists(string) (bool, error)      { return false, u.err }
func (u *unavailableFirewall) Append(string, ...string) error        { return u.err }
func (u *unavailableFirewall) Insert(string, int, ...string) error   { return u.err }
func (u *unavailableFirewall) Delete(string, ...string) error        { return u.err }
func (u *unavailableFirewall) Rules(string) ([]string, error)        { return nil, u.err }
