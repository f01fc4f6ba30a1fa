package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/Zero2oneZ/claude-cage-sub002/internal/config"
	"github.com/Zero2oneZ/claude-cage-sub002/internal/policy"
)

// iccOption is the bridge driver option controlling inter-container
// communication.
const iccOption = "com.docker.network.bridge.enable_icc"

// Docker is the Docker-backed Runtime.
type Docker struct {
	client *client.Client
	logger *log.Logger
}

// NewDocker creates a Docker runtime from the environment (DOCKER_HOST
// et al), with API version negotiation.
func NewDocker(logger *log.Logger) (*Docker, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[runtime] ", log.LstdFlags|log.Lmsgprefix)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{client: cli, logger: logger}, nil
}

// EnsureNetwork creates the dedicated bridge with ICC disabled if it
// does not already exist. Plans without a bridge are a no-op.
func (d *Docker) EnsureNetwork(ctx context.Context, plan policy.EnforcementPlan) error {
	if plan.BridgeName == "" {
		return nil
	}

	_, err := d.client.NetworkInspect(ctx, plan.BridgeName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return &LaunchError{Stage: "network", Err: err}
	}

	_, err = d.client.NetworkCreate(ctx, plan.BridgeName, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			iccOption: "false",
		},
	})
	if err != nil {
		return &LaunchError{Stage: "network", Err: err}
	}
	d.logger.Printf("created bridge network %s (icc disabled)", plan.BridgeName)
	return nil
}

// Create materializes the enforcement plan as a container configuration.
// Every security flag comes from the plan; nothing is re-derived here.
func (d *Docker) Create(ctx context.Context, name string, plan policy.EnforcementPlan, labels map[string]string) (string, error) {
	containerConfig := &container.Config{
		Image:  plan.Image,
		Labels: labels,
	}

	hostConfig := &container.HostConfig{
		CapAdd:         plan.CapAdd,
		ReadonlyRootfs: plan.ReadOnlyRoot,
		Resources: container.Resources{
			NanoCPUs: int64(plan.CPUs * 1e9),
			Memory:   plan.MemoryBytes,
		},
	}
	if plan.CapDropAll {
		hostConfig.CapDrop = []string{"ALL"}
	}
	if plan.PidsLimit > 0 {
		pids := plan.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}

	if len(plan.Tmpfs) > 0 {
		hostConfig.Tmpfs = make(map[string]string, len(plan.Tmpfs))
		for target, size := range plan.Tmpfs {
			hostConfig.Tmpfs[target] = "rw,noexec,nosuid,size=" + size
		}
	}

	for _, m := range plan.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		hostConfig.Binds = append(hostConfig.Binds, bind)
	}

	securityOpt, err := buildSecurityOpt(plan)
	if err != nil {
		return "", &LaunchError{Stage: "create", Err: err}
	}
	hostConfig.SecurityOpt = securityOpt

	switch plan.Network {
	case config.NetworkNone:
		hostConfig.NetworkMode = "none"
	case config.NetworkHost:
		hostConfig.NetworkMode = "host"
	case config.NetworkFiltered:
		hostConfig.NetworkMode = container.NetworkMode(plan.BridgeName)
	}

	if len(plan.PublishedPorts) > 0 {
		exposed := make(nat.PortSet, len(plan.PublishedPorts))
		bindings := make(nat.PortMap, len(plan.PublishedPorts))
		for _, port := range plan.PublishedPorts {
			p, err := nat.NewPort("tcp", fmt.Sprintf("%d", port))
			if err != nil {
				return "", &LaunchError{Stage: "create", Err: err}
			}
			exposed[p] = struct{}{}
			bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", port)}}
		}
		containerConfig.ExposedPorts = exposed
		hostConfig.PortBindings = bindings
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", &LaunchError{Stage: "create", Err: err}
	}
	return resp.ID, nil
}

// buildSecurityOpt assembles the security options for a plan. The
// seccomp profile document is read here and passed by content, the way
// the engine's own CLI does; its contents are otherwise opaque to us.
func buildSecurityOpt(plan policy.EnforcementPlan) ([]string, error) {
	opts := []string{}
	if plan.NoNewPrivileges {
		opts = append(opts, "no-new-privileges:true")
	}
	if plan.SeccompRef != "" {
		data, err := os.ReadFile(plan.SeccompRef)
		if err != nil {
			return nil, fmt.Errorf("read seccomp profile: %w", err)
		}
		opts = append(opts, "seccomp="+string(data))
	}
	if plan.AppArmorRef != "" {
		opts = append(opts, "apparmor="+plan.AppArmorRef)
	}
	return opts, nil
}

func (d *Docker) Start(ctx context.Context, ref string) error {
	if err := d.client.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		return &LaunchError{Stage: "start", Err: err}
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, ref string) error {
	if err := d.client.ContainerStop(ctx, ref, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, ref string) error {
	err := d.client.ContainerRemove(ctx, ref, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Inspect maps the engine's inspection into the neutral LiveState.
func (d *Docker) Inspect(ctx context.Context, ref string) (LiveState, error) {
	info, err := d.client.ContainerInspect(ctx, ref)
	if err != nil {
		return LiveState{}, fmt.Errorf("inspect container: %w", err)
	}

	state := LiveState{}
	if info.State != nil {
		state.Running = info.State.Running
	}
	if hc := info.HostConfig; hc != nil {
		state.ReadOnlyRootfs = hc.ReadonlyRootfs
		state.CapAdd = append([]string(nil), hc.CapAdd...)
		state.CapDrop = append([]string(nil), hc.CapDrop...)
		state.SecurityOpt = append([]string(nil), hc.SecurityOpt...)
		state.NanoCPUs = hc.NanoCPUs
		state.MemoryBytes = hc.Memory
		if hc.PidsLimit != nil {
			state.PidsLimit = *hc.PidsLimit
		}
		state.NetworkMode = string(hc.NetworkMode)
	}
	if info.NetworkSettings != nil {
		for _, endpoint := range info.NetworkSettings.Networks {
			if endpoint != nil && endpoint.IPAddress != "" {
				state.IPAddress = endpoint.IPAddress
				break
			}
		}
	}
	return state, nil
}

func (d *Docker) InspectNetwork(ctx context.Context, name string) (NetworkState, error) {
	info, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return NetworkState{}, nil
		}
		return NetworkState{}, fmt.Errorf("inspect network: %w", err)
	}

	// The bridge driver treats a missing icc option as enabled.
	icc := true
	if v, ok := info.Options[iccOption]; ok {
		icc = !strings.EqualFold(v, "false")
	}
	return NetworkState{Exists: true, Driver: info.Driver, ICCEnabled: icc}, nil
}

// Shell runs an interactive command inside the container with a TTY and
// streams it to the caller's terminal.
func (d *Docker) Shell(ctx context.Context, ref string, cmd []string, stdio StdioStreams) (int, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, ref, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("create exec: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return -1, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	go func() {
		// Stdin copy ends when the user closes the stream; the exec's
		// own exit tears down the connection.
		io.Copy(attach.Conn, stdio.In)
		attach.CloseWrite()
	}()

	// With a TTY, stdout and stderr arrive merged on one stream.
	if _, err := io.Copy(stdio.Out, attach.Reader); err != nil && ctx.Err() == nil {
		d.logger.Printf("shell stream error: %v", err)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return -1, fmt.Errorf("inspect exec: %w", err)
	}
	return inspect.ExitCode, nil
}
