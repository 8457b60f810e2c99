package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// ProcessExecutor runs generated code with a local interpreter. It is the
// default when the docker sandbox is disabled.
type ProcessExecutor struct {
	interpreter string
	workDir     string
}

func NewProcessExecutor(interpreter, workDir string) *ProcessExecutor {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &ProcessExecutor{interpreter: interpreter, workDir: workDir}
}

func (p *ProcessExecutor) Run(ctx context.Context, code string, onLine func(line string)) (Result, error) {
	dir := p.workDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "mgx-exec-")
		if err != nil {
			return Result{}, fmt.Errorf("create exec dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	path := filepath.Join(dir, "main.py")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("write program: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.interpreter, path)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", p.interpreter, err)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, &stdoutBuf, onLine)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, &stderrBuf, onLine)
	}()
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("wait %s: %w", p.interpreter, err)
		}
	}
	if ctx.Err() != nil {
		return Result{ExitCode: exitCode, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, ctx.Err()
	}
	return Result{ExitCode: exitCode, Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}, nil
}

func scanLines(r io.Reader, buf *bytes.Buffer, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
}
