package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerExecutor runs generated code in an ephemeral container. The container
// gets a memory cap, a restricted network mode and a bind-mounted workspace,
// and is auto-removed on exit.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryMB    int64
	networkMode string
	workspace   string
}

func NewDockerExecutor(image string, memoryMB int64, networkMode, workspace string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "python:3.12-alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "mgx-sandbox-")
		if err != nil {
			return nil, fmt.Errorf("create sandbox workspace: %w", err)
		}
	}

	return &DockerExecutor{
		client:      cli,
		image:       image,
		memoryMB:    memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   workspace,
	}, nil
}

func (d *DockerExecutor) Run(ctx context.Context, code string, onLine func(line string)) (Result, error) {
	if err := os.WriteFile(filepath.Join(d.workspace, "main.py"), []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("write program: %w", err)
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"python3", "main.py"},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryMB,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", d.workspace)},
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		return Result{}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("start container: %w", err)
	}

	var exitCode int
	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return Result{}, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{ExitCode: -1, Stderr: "execution timed out"}, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("container logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	if onLine != nil {
		for _, line := range strings.Split(strings.TrimRight(stdoutBuf.String(), "\n"), "\n") {
			if line != "" {
				onLine(line)
			}
		}
		for _, line := range strings.Split(strings.TrimRight(stderrBuf.String(), "\n"), "\n") {
			if line != "" {
				onLine(line)
			}
		}
	}

	return Result{ExitCode: exitCode, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
}

func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
