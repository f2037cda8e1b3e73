package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"llmshell/internal/domain"
)

// SpawnConfig describes a worker subprocess.
type SpawnConfig struct {
	Command         []string // argv; Command[0] is the executable
	Env             []string // appended to the current environment
	Dir             string
	MaxMessageBytes int64
	StderrBytes     int           // stderr kept for diagnostics, default 64 KiB
	StopGrace       time.Duration // wait after closing stdin before killing, default 3s
}

// Process is a spawned worker speaking the task protocol on its stdio.
// It is a domain.TaskPort; closing it stops the worker.
type Process struct {
	*Conn

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer
	stdout *io.PipeWriter
	logger *slog.Logger
	grace  time.Duration

	done    chan struct{}
	mu      sync.Mutex
	waitErr error

	stopOnce sync.Once
}

// Spawn starts the worker. The process is not bound to ctx; it runs until
// Close or until it exits by itself.
func Spawn(ctx context.Context, cfg SpawnConfig, logger *slog.Logger) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, domain.NewDomainError("stdio.Spawn", domain.ErrInvalidInput, "empty worker command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.StderrBytes <= 0 {
		cfg.StderrBytes = 64 * 1024
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}

	// Detached from ctx so the worker outlives the call that started it.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	stderr := newTailBuffer(cfg.StderrBytes)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdio: stdin pipe: %w", err)
	}
	// exec copies stdout into pw, so Wait never races our reads; closing pr
	// unblocks that copy once we stop reading.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("stdio: start %s: %w", cfg.Command[0], err)
	}

	p := &Process{
		Conn:   NewConn(pr, stdin, cfg.MaxMessageBytes, stdin, pr),
		stdout: pw,
		cmd:    cmd,
		cancel: cancel,
		stderr: stderr,
		logger: logger,
		grace:  cfg.StopGrace,
		done:   make(chan struct{}),
	}
	go p.wait()

	logger.Info("worker process started", "pid", cmd.Process.Pid, "command", strings.Join(cfg.Command, " "))
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.stdout.Close()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			p.logger.Warn("worker process exited", "code", exitErr.ExitCode(), "stderr", p.StderrTail(5))
			return
		}
	}
	p.logger.Info("worker process finished", "error", err)
}

// Pid returns the worker's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.done }

// ExitErr returns the result of waiting on the process, nil while running.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// StderrTail returns the last n lines the worker wrote to stderr, joined.
func (p *Process) StderrTail(n int) string {
	return strings.Join(p.stderr.Lines(n), "\n")
}

// Close closes the worker's stdin, which asks it to exit, and kills it if it
// is still running after the grace period.
func (p *Process) Close() error {
	var err error
	p.stopOnce.Do(func() {
		err = p.Conn.Close()
		select {
		case <-p.done:
		case <-time.After(p.grace):
			p.logger.Warn("worker did not exit, killing", "pid", p.Pid())
			p.cancel()
			<-p.done
		}
		p.cancel()
	})
	return err
}
