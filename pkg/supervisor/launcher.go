package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Process is a running supervised process. Implementations must be safe
// for concurrent probing and termination.
type Process interface {
	// PID returns the OS process id.
	PID() int

	// Alive reports whether the process is still running.
	Alive() bool

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill forcibly ends the process.
	Kill() error

	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Launcher spawns the supervised messaging process, delivering the
// decoded session artifact before first use.
type Launcher interface {
	Launch(ctx context.Context, payload []byte) (Process, error)
}

// ExecLauncher launches the process with os/exec and feeds the decoded
// artifact on its standard input.
type ExecLauncher struct {
	// Command is the program and its arguments.
	Command []string

	// Dir is the working directory; empty means inherit.
	Dir string

	Log *logrus.Entry
}

// Launch starts the command, writes the payload to stdin and closes it.
func (l *ExecLauncher) Launch(ctx context.Context, payload []byte) (Process, error) {
	if len(l.Command) == 0 {
		return nil, fmt.Errorf("no bot command configured")
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...)
	cmd.Dir = l.Dir
	cmd.Stdout = l.Log.WriterLevel(logrus.InfoLevel)
	cmd.Stderr = l.Log.WriterLevel(logrus.WarnLevel)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start bot process: %w", err)
	}

	// Deliver the credential before the process needs it, then close so
	// the child sees EOF.
	go func() {
		if _, err := stdin.Write(payload); err != nil {
			l.Log.WithError(err).Warn("Failed to deliver session payload to bot")
		}
		stdin.Close()
	}()

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	l.Log.WithField("pid", cmd.Process.Pid).Info("Bot process started")
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	killOnce sync.Once
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

// Alive combines the exit watcher with a signal-0 probe so a reaped but
// not-yet-observed process reads as dead.
func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	err := p.cmd.Process.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		err = p.cmd.Process.Kill()
	})
	return err
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}
