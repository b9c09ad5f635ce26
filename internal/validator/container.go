package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/dyluth/kiln/internal/docker"
	"github.com/dyluth/kiln/pkg/candidates"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// artifactMount is where the candidate's directory appears inside a smoke
// container.
const artifactMount = "/artifact"

// ContainerAPI is the part of the Docker client the Docker sandbox uses.
// *client.Client implements it.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Docker runs the smoke child in a throwaway container with networking
// disabled and the candidate's directory mounted read-only. Image must
// contain a binary that serves Command (default: kiln smoke). The request
// is passed in RequestEnv; the Result is read back from the container's
// stdout.
type Docker struct {
	Client   ContainerAPI
	Image    string
	Command  []string
	Instance string
	Timeout  time.Duration
	Memory   int64 // bytes, 0 for no limit
}

// Smoke implements Sandbox.
func (d *Docker) Smoke(ctx context.Context, kind candidates.Kind, artifactPath string) Result {
	return d.run(ctx, kind, artifactPath, false)
}

// CheckLoad implements LoadChecker.
func (d *Docker) CheckLoad(ctx context.Context, kind candidates.Kind, artifactPath string) Result {
	return d.run(ctx, kind, artifactPath, true)
}

func (d *Docker) run(ctx context.Context, kind candidates.Kind, artifactPath string, loadOnly bool) Result {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	abs, err := filepath.Abs(artifactPath)
	if err != nil {
		return Result{OK: false, Details: fmt.Sprintf("failed to resolve %s: %v", artifactPath, err)}
	}
	input, err := json.Marshal(Request{Kind: kind, Path: path.Join(artifactMount, filepath.Base(abs)), LoadOnly: loadOnly})
	if err != nil {
		return Result{OK: false, Details: fmt.Sprintf("failed to marshal smoke request: %v", err)}
	}

	command := d.Command
	if len(command) == 0 {
		command = []string{"kiln", SmokeCommand}
	}

	runID := docker.GenerateRunID()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.Client.ContainerCreate(runCtx,
		&container.Config{
			Image:           d.Image,
			Cmd:             command,
			Env:             []string{RequestEnv + "=" + string(input)},
			Labels:          docker.BuildLabels(d.Instance, runID, string(kind), abs),
			NetworkDisabled: true,
		},
		&container.HostConfig{
			Binds:     []string{filepath.Dir(abs) + ":" + artifactMount + ":ro"},
			Resources: container.Resources{Memory: d.Memory},
		},
		nil, nil, docker.SmokeContainerName(d.Instance, runID))
	if err != nil {
		if runCtx.Err() != nil {
			return timeoutResult(timeout)
		}
		return Result{OK: false, Details: fmt.Sprintf("failed to create smoke container: %v", err)}
	}
	defer d.remove(resp.ID)

	if err := d.Client.ContainerStart(runCtx, resp.ID, container.StartOptions{}); err != nil {
		if runCtx.Err() != nil {
			return timeoutResult(timeout)
		}
		return Result{OK: false, Details: fmt.Sprintf("failed to start smoke container: %v", err)}
	}

	statusCh, errCh := d.Client.ContainerWait(runCtx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if runCtx.Err() != nil {
			return timeoutResult(timeout)
		}
		return Result{OK: false, Details: fmt.Sprintf("failed to wait for smoke container: %v", err)}
	case status := <-statusCh:
		if status.Error != nil {
			return Result{OK: false, Details: fmt.Sprintf("smoke container failed: %s", status.Error.Message)}
		}
		exitCode = status.StatusCode
	case <-runCtx.Done():
		return timeoutResult(timeout)
	}

	stdout, stderr, err := d.logs(ctx, resp.ID)
	if err != nil {
		return Result{OK: false, Details: fmt.Sprintf("failed to read smoke container output: %v", err)}
	}

	if exitCode != 0 {
		details := fmt.Sprintf("smoke container exited with status %d", exitCode)
		if msg := strings.TrimSpace(stderr); msg != "" {
			details += "\n" + msg
		}
		return Result{OK: false, Details: details}
	}
	return parseChildOutput([]byte(stdout))
}

func (d *Docker) logs(ctx context.Context, id string) (string, string, error) {
	reader, err := d.Client.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer reader.Close()

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	_, err = stdcopy.StdCopy(
		&limitedWriter{w: stdoutBuf, limit: maxOutputSize},
		&limitedWriter{w: stderrBuf, limit: maxOutputSize},
		reader)
	if err != nil {
		return "", "", err
	}
	return stdoutBuf.String(), stderrBuf.String(), nil
}

// remove force-removes the container even when the smoke test's context is
// already done.
func (d *Docker) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		log.Printf("[Validator] Failed to remove smoke container %s: %v", id, err)
	}
}
