package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// RenderSpec describes one renderer invocation.
type RenderSpec struct {
	ProjectPath string
	Composition string
	OutputPath  string
}

// RenderHandle is a running render subprocess. Lines yields merged
// stdout/stderr output line by line and closes on process exit; Wait reports
// the exit status; Terminate kills the process.
type RenderHandle interface {
	Lines() <-chan string
	Terminate() error
	Wait() error
}

type Renderer interface {
	Start(ctx context.Context, spec RenderSpec) (RenderHandle, error)
}

// AerenderRenderer shells out to the aerender binary.
type AerenderRenderer struct {
	Path string
}

func (r *AerenderRenderer) Start(ctx context.Context, spec RenderSpec) (RenderHandle, error) {
	cmd := exec.CommandContext(ctx, r.Path,
		"-project", spec.ProjectPath,
		"-comp", spec.Composition,
		"-output", spec.OutputPath,
		"-continueOnMissingFootage",
	)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("render pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start renderer: %w", err)
	}
	// the child holds its own copy of the write end
	pw.Close()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		defer pr.Close()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return &processHandle{cmd: cmd, lines: lines}, nil
}

type processHandle struct {
	cmd   *exec.Cmd
	lines chan string
}

func (h *processHandle) Lines() <-chan string { return h.lines }

func (h *processHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *processHandle) Wait() error {
	return h.cmd.Wait()
}
