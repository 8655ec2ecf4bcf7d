package agent

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"simrun.engine/internal/core/circuitbreaker"
	"simrun.engine/internal/core/domain"
	"simrun.engine/internal/core/logger"
	"simrun.engine/internal/core/ports"
)

var _ ports.ContainerRuntime = (*DockerRuntime)(nil)

// DockerRuntime runs simulations as Docker containers. Create calls go
// through a circuit breaker so an unreachable daemon fails jobs fast.
type DockerRuntime struct {
	cli     *client.Client
	breaker *circuitbreaker.CircuitBreaker
	pull    bool
}

func NewDockerRuntime(pullMissing bool) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{
		cli:     cli,
		breaker: circuitbreaker.New("runtime", circuitbreaker.DefaultSettings(), daemonFault),
		pull:    pullMissing,
	}, nil
}

// daemonFault reports errors that say the daemon itself is unhealthy, as
// opposed to a bad image or spec.
func daemonFault(err error) bool {
	if err == nil {
		return false
	}
	return !errdefs.IsNotFound(err) && !errdefs.IsInvalidParameter(err) && !errdefs.IsConflict(err)
}

func (d *DockerRuntime) Create(ctx context.Context, spec ports.ContainerSpec) (string, error) {
	var id string
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		if err := d.ensureImage(ctx, spec.Image); err != nil {
			return err
		}

		cfg := &container.Config{
			Image:  spec.Image,
			Cmd:    spec.Args,
			Env:    spec.Env,
			Labels: spec.Labels,
		}
		host := &container.HostConfig{
			NetworkMode: "none",
			Resources: container.Resources{
				NanoCPUs: int64(spec.CPULimit * 1e9),
				Memory:   spec.MemoryMB * 1024 * 1024,
			},
		}
		if spec.OutputDir != "" {
			host.Binds = []string{fmt.Sprintf("%s:%s", spec.OutputDir, domain.ContainerOutputDir)}
		}

		resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
		if err != nil {
			return fmt.Errorf("failed to create container: %w", err)
		}
		for _, w := range resp.Warnings {
			logger.Warn("Container create warning", "name", spec.Name, "warning", w)
		}
		id = resp.ID
		return nil
	})
	return id, err
}

func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) || !d.pull {
		return err
	}

	logger.Info("Pulling image", "image", ref)
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	return nil
}

// Attach follows the container's logs and splits the multiplexed stream
// into stdout and stderr. It returns when the container exits.
func (d *DockerRuntime) Attach(ctx context.Context, id string, stdout, stderr io.Writer) error {
	out, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to get logs: %w", err)
	}
	defer out.Close()

	_, err = stdcopy.StdCopy(stdout, stderr, out)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	return d.cli.ContainerKill(ctx, id, "SIGTERM")
}

func (d *DockerRuntime) Kill(ctx context.Context, id string) error {
	err := d.cli.ContainerKill(ctx, id, "SIGKILL")
	if errdefs.IsConflict(err) {
		// already exited
		return nil
	}
	return err
}

func (d *DockerRuntime) Wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("error waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), errors.New(status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

func (d *DockerRuntime) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
