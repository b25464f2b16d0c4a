// Package sandbox runs commands inside short-lived, network-less containers
// with the workspace mounted read-only.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/epavanello/fixodev-sub000/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	DefaultTimeout     = 5 * time.Minute
	DefaultMemoryLimit = int64(1 << 30)
	defaultPidsLimit   = int64(256)
	workspaceTarget    = "/workspace"
	cleanupTimeout     = 30 * time.Second
)

// Docker is the subset of the Docker client the executor depends on
type Docker interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Request describes one command execution
type Request struct {
	Runtime       string
	WorkspacePath string
	Command       string
	// Timeout and MemoryLimit override the executor defaults when positive
	Timeout     time.Duration
	MemoryLimit int64
}

// Result is the outcome of a command. ExitCode is nil when the command timed
// out or the container could not be set up.
type Result struct {
	Success  bool
	Output   string
	ExitCode *int
	TimedOut bool
}

// Executor runs commands through Docker
type Executor struct {
	docker      Docker
	imagePrefix string
	images      map[string]string
	timeout     time.Duration
	memoryLimit int64
}

type Option func(*Executor)

// WithImagePrefix namespaces resolved images, e.g. "registry.example.com/fixodev"
func WithImagePrefix(prefix string) Option {
	return func(e *Executor) {
		e.imagePrefix = strings.TrimSuffix(prefix, "/")
	}
}

// WithImages maps runtime identifiers to image names
func WithImages(images map[string]string) Option {
	return func(e *Executor) {
		for k, v := range images {
			e.images[k] = v
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

func WithMemoryLimit(bytes int64) Option {
	return func(e *Executor) {
		e.memoryLimit = bytes
	}
}

func New(docker Docker, opts ...Option) *Executor {
	e := &Executor{
		docker:      docker,
		images:      make(map[string]string),
		timeout:     DefaultTimeout,
		memoryLimit: DefaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewDockerClient connects to the daemon configured by the environment
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create docker client")
	}
	return cli, nil
}

// ResolveImage maps a runtime to its image. Unknown runtimes are used as
// image names directly.
func (e *Executor) ResolveImage(runtime string) string {
	name := runtime
	if img, ok := e.images[runtime]; ok {
		name = img
	}
	if e.imagePrefix != "" && !strings.Contains(name, "/") {
		name = e.imagePrefix + "/" + name
	}
	return name
}

// ExecuteCommand runs req.Command in a fresh container. Once the container
// exists it is removed exactly once, whatever the outcome.
func (e *Executor) ExecuteCommand(ctx context.Context, req *Request) *Result {
	logger := logging.From(ctx).With("runtime", req.Runtime)

	timeout := e.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	memoryLimit := e.memoryLimit
	if req.MemoryLimit > 0 {
		memoryLimit = req.MemoryLimit
	}

	img := e.ResolveImage(req.Runtime)
	if err := e.ensureImage(ctx, img); err != nil {
		logger.Error("failed to prepare image", "error", err, "image", img)
		return setupFailure("failed to prepare image %s: %v", img, err)
	}

	created, err := e.docker.ContainerCreate(ctx,
		&container.Config{
			Image:           img,
			Cmd:             []string{"sh", "-c", req.Command},
			WorkingDir:      workspaceTarget,
			NetworkDisabled: true,
			Labels:          map[string]string{"fixodev.sandbox": "true"},
		},
		&container.HostConfig{
			NetworkMode: "none",
			Mounts: []mount.Mount{
				{
					Type:     mount.TypeBind,
					Source:   req.WorkspacePath,
					Target:   workspaceTarget,
					ReadOnly: true,
				},
			},
			Resources: container.Resources{
				Memory:     memoryLimit,
				MemorySwap: memoryLimit,
				PidsLimit:  ptr(defaultPidsLimit),
			},
		},
		nil, nil, "")
	if err != nil {
		logger.Error("failed to create container", "error", err, "image", img)
		return setupFailure("failed to create container: %v", err)
	}

	containerID := created.ID
	logger = logger.With("container_id", containerID)
	defer e.remove(ctx, containerID)

	if err := e.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		logger.Error("failed to start container", "error", err)
		return setupFailure("failed to start container: %v", err)
	}

	return e.race(ctx, containerID, timeout)
}

type outcome struct {
	exitCode int
	output   string
	err      error
}

// race waits for the container to exit and collects its logs, unless the
// timeout fires first in which case the container is killed.
func (e *Executor) race(ctx context.Context, containerID string, timeout time.Duration) *Result {
	logger := logging.From(ctx).With("container_id", containerID)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		done <- e.waitAndCollect(runCtx, containerID)
	}()

	select {
	case out := <-done:
		if out.err != nil && runCtx.Err() == nil {
			return &Result{
				Success: false,
				Output:  fmt.Sprintf("failed to wait for container: %v", out.err),
			}
		}
		if out.err == nil {
			code := out.exitCode
			return &Result{
				Success:  code == 0,
				Output:   out.output,
				ExitCode: &code,
			}
		}
	case <-runCtx.Done():
	}

	killCtx, killCancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer killCancel()
	if err := e.docker.ContainerKill(killCtx, containerID, "KILL"); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn("failed to kill timed out container", "error", err)
	}

	msg := fmt.Sprintf("command timed out after %s", timeout)
	if ctx.Err() != nil {
		msg = fmt.Sprintf("command cancelled: %v", ctx.Err())
	}
	return &Result{
		Success:  false,
		Output:   msg,
		TimedOut: true,
	}
}

func (e *Executor) waitAndCollect(ctx context.Context, containerID string) outcome {
	statusCh, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		return outcome{err: goerr.Wrap(err, "container wait failed")}
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return outcome{err: goerr.New("container wait returned error", goerr.V("message", status.Error.Message))}
		}
		exitCode = int(status.StatusCode)
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return outcome{err: goerr.Wrap(err, "failed to read container logs")}
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return outcome{err: goerr.Wrap(err, "failed to demultiplex container logs")}
	}

	return outcome{exitCode: exitCode, output: buf.String()}
}

func (e *Executor) ensureImage(ctx context.Context, img string) error {
	if _, err := e.docker.ImageInspect(ctx, img); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return goerr.Wrap(err, "failed to inspect image", goerr.V("image", img))
	}

	rc, err := e.docker.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return goerr.Wrap(err, "failed to pull image", goerr.V("image", img))
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return goerr.Wrap(err, "failed to read image pull progress", goerr.V("image", img))
	}
	return nil
}

// remove force-removes the container. Errors are only logged: the caller
// already has its result.
func (e *Executor) remove(ctx context.Context, containerID string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := e.docker.ContainerRemove(rmCtx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logging.From(ctx).Error("failed to remove container", "error", err, "container_id", containerID)
	}
}

func setupFailure(format string, args ...any) *Result {
	return &Result{
		Success: false,
		Output:  fmt.Sprintf(format, args...),
	}
}

func ptr[T any](v T) *T {
	return &v
}
