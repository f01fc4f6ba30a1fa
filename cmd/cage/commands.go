package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	units "github.com/docker/go-units"
	flag "github.com/spf13/pflag"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/runtime"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/session"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/verify"
)

// defaultConfigPath is the user override file consulted when --config
// is not given.
func defaultConfigPath() string {
	if dir := os.Getenv("CAGE_CONFIG"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cage", "config.yaml")
}

// startCmd launches a new session.
type startCmd struct{}

func (*startCmd) Name() string { return "start" }
func (*startCmd) Synopsis() string {
	return "launch a sandbox session (stays resident for filtered sessions to maintain the allowlist)"
}

func (*startCmd) Run(ctx context.Context, app *app, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "user override config file")
	mode := fs.String("mode", "", "sandbox mode: cli or desktop")
	network := fs.String("network", "", "network mode: none, filtered or host")
	allow := fs.String("allow", "", "comma-separated allowed hostnames (filtered network)")
	image := fs.String("image", "", "container image")
	cpus := fs.Float64("cpus", 0, "CPU limit")
	memory := fs.String("memory", "", "memory limit (e.g. 2g)")
	pids := fs.Int64("pids", 0, "pids limit")
	readOnly := fs.Bool("read-only", true, "read-only root filesystem")
	mounts := fs.StringArray("mount", nil, "bind mount source:target[:ro] (repeatable)")
	seccomp := fs.String("seccomp", "", "seccomp profile path")
	apparmor := fs.String("apparmor", "", "apparmor profile name")
	ephemeral := fs.Bool("ephemeral", true, "remove the container on stop")
	once := fs.Bool("once", false, "install filter rules once and exit instead of staying resident")
	if err := fs.Parse(args); err != nil {
		return err
	}

	overrides := config.FlagOverrides{Mounts: *mounts}
	if fs.Changed("mode") {
		overrides.Mode = mode
	}
	if fs.Changed("network") {
		overrides.Network = network
	}
	if fs.Changed("allow") {
		overrides.AllowedHosts = allow
	}
	if fs.Changed("image") {
		overrides.Image = image
	}
	if fs.Changed("cpus") {
		overrides.CPUs = cpus
	}
	if fs.Changed("memory") {
		overrides.Memory = memory
	}
	if fs.Changed("pids") {
		overrides.PidsLimit = pids
	}
	if fs.Changed("read-only") {
		overrides.ReadOnlyRoot = readOnly
	}
	if fs.Changed("seccomp") {
		overrides.SeccompRef = seccomp
	}
	if fs.Changed("apparmor") {
		overrides.AppArmorRef = apparmor
	}
	if fs.Changed("ephemeral") {
		overrides.Ephemeral = ephemeral
	}

	spec, err := config.Resolve(*configPath, overrides)
	if err != nil {
		return err
	}

	sess, err := app.engine.Start(ctx, spec)
	if err != nil {
		if sess.Name != "" {
			// Launched but degraded: the session exists, report both.
			fmt.Println(sess.Name)
		}
		return err
	}
	fmt.Println(sess.Name)

	if spec.Network == config.NetworkFiltered && !*once {
		app.logger.Printf("session %s: maintaining allowlist (refresh every %s); interrupt to exit, rules stay installed",
			sess.Name, spec.Filter.RefreshInterval)
		<-ctx.Done()
	}
	return nil
}

// stopCmd stops one or all sessions.
type stopCmd struct{}

func (*stopCmd) Name() string     { return "stop" }
func (*stopCmd) Synopsis() string { return "stop a session: stop <name> | stop --all" }

func (*stopCmd) Run(ctx context.Context, app *app, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	all := fs.Bool("all", false, "stop every running session")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *all {
		return app.engine.StopAll(ctx)
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("stop requires a session name or --all")
	}
	name := fs.Arg(0)
	if err := app.engine.Stop(ctx, name); err != nil {
		return err
	}
	fmt.Printf("session %s stopped\n", name)
	return nil
}

// shellCmd opens an interactive shell in a running session.
type shellCmd struct{}

func (*shellCmd) Name() string     { return "shell" }
func (*shellCmd) Synopsis() string { return "open an interactive shell in a running session" }

func (*shellCmd) Run(ctx context.Context, app *app, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("shell requires a session name")
	}
	name := args[0]

	code, err := app.engine.Shell(ctx, name, runtime.StdioStreams{
		In:  os.Stdin,
		Out: os.Stdout,
		Err: os.Stderr,
	})
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// destroyCmd removes a session entirely.
type destroyCmd struct{}

func (*destroyCmd) Name() string     { return "destroy" }
func (*destroyCmd) Synopsis() string { return "remove a session, its container, volumes and metadata" }

func (*destroyCmd) Run(ctx context.Context, app *app, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("destroy requires a session name")
	}
	name := args[0]

	already, err := app.engine.Destroy(ctx, name)
	if err != nil {
		return err
	}
	if already {
		fmt.Printf("session %s already destroyed\n", name)
		return nil
	}
	fmt.Printf("session %s destroyed\n", name)
	return nil
}

// statusCmd shows one or all sessions.
type statusCmd struct{}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show session state: status [name]" }

func (*statusCmd) Run(ctx context.Context, app *app, args []string) error {
	if len(args) >= 1 {
		sess, err := app.engine.Status(ctx, args[0])
		if err != nil {
			return err
		}
		printSession(sess)
		return nil
	}

	sessions := app.engine.StatusAll(ctx)
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tNETWORK\tMODE\tMEMORY\tCREATED")
	for _, sess := range sessions {
		state := string(sess.State)
		if sess.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			sess.Name, state, sess.Spec.Network, sess.Spec.Mode,
			units.BytesSize(float64(sess.Spec.MemoryBytes)),
			sess.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func printSession(sess session.Session) {
	fmt.Printf("Name:      %s\n", sess.Name)
	fmt.Printf("State:     %s\n", sess.State)
	if sess.Degraded {
		fmt.Printf("Degraded:  %s\n", sess.DegradedReason)
	}
	fmt.Printf("Mode:      %s\n", sess.Spec.Mode)
	fmt.Printf("Network:   %s\n", sess.Spec.Network)
	if len(sess.Spec.AllowedHosts) > 0 {
		fmt.Printf("Allowed:   %v\n", sess.Spec.AllowedHosts)
	}
	fmt.Printf("Image:     %s\n", sess.Spec.Image)
	fmt.Printf("CPUs:      %g\n", sess.Spec.CPUs)
	fmt.Printf("Memory:    %s\n", units.BytesSize(float64(sess.Spec.MemoryBytes)))
	fmt.Printf("Pids:      %d\n", sess.Spec.PidsLimit)
	fmt.Printf("Container: %s\n", sess.RuntimeRef)
	fmt.Printf("Created:   %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
}

// auditCmd verifies every enforcement layer of a session.
type auditCmd struct{}

func (*auditCmd) Name() string     { return "audit" }
func (*auditCmd) Synopsis() string { return "verify every enforcement layer: audit <name>" }

func (*auditCmd) Run(ctx context.Context, app *app, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("audit requires a session name")
	}

	report, err := app.engine.Audit(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tSTATUS\tDETAIL")
	for _, layer := range report.Layers {
		fmt.Fprintf(w, "%s\t%s\t%s\n", layer.Layer, layer.Status, layer.Detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for _, layer := range report.Layers {
		if layer.Status == verify.Fail {
			return &verifyMismatchError{report: report}
		}
	}
	return nil
}
