// Package script supervises the generated script as a child process and
// speaks its wire contract: one JSON event per stdout line, the control
// bytes "p\n" and "r\n" on stdin, SIGTERM to stop with SIGKILL as the
// fallback. stderr is merged into the same line stream; non-event lines are
// logged and dropped.
package script

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arcor2-io/arcor2/internal/metrics"
	"github.com/arcor2-io/arcor2/internal/wire"
)

// DefaultStopDeadline is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopDeadline = 5 * time.Second

// maxLine bounds one stdout line; ActionState events carry serialized
// parameter values, so the limit is generous.
const maxLine = 1 << 20

// ProjectPathEnv names the environment variable pointing the script at its
// deployed package.
const ProjectPathEnv = "ARCOR2_PROJECT_PATH"

// Options configures a script launch.
type Options struct {
	// ProjectPath is the deployed package directory; the script runs with it
	// as working directory and receives it via ProjectPathEnv.
	ProjectPath string

	// Breakpoints are action point ids passed via --breakpoints.
	Breakpoints []string

	// StartPaused asks the script to break before its first action.
	StartPaused bool
}

// Proc is one running script. Events are consumed from Events; the channel
// closes when the child's stdout reaches EOF, after which Err reports how
// the process exited.
type Proc struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	events chan wire.Event
	done   chan struct{}

	errMu   sync.Mutex
	waitErr error
}

// Start launches the script and begins reading its event stream.
func Start(opts Options, logger *zap.Logger) (*Proc, error) {
	scriptPath := filepath.Join(opts.ProjectPath, "script")

	args := make([]string, 0, 2)
	if len(opts.Breakpoints) > 0 {
		args = append(args, "--breakpoints="+strings.Join(opts.Breakpoints, ","))
	}
	if opts.StartPaused {
		args = append(args, "--start-paused")
	}

	cmd := exec.Command(scriptPath, args...)
	cmd.Dir = opts.ProjectPath
	// The child gets a restricted environment: just enough to run, plus the
	// project path.
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=" + os.Getenv("LANG"),
		ProjectPathEnv + "=" + opts.ProjectPath,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("script: open stdin pipe: %w", err)
	}

	// One pipe carries both stdout and stderr so the reader sees script
	// events and stray diagnostics as a single ordered line stream.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("script: open output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("script: start %s: %w", scriptPath, err)
	}
	// The parent's write end must close so the reader sees EOF when the
	// child exits.
	pw.Close()

	p := &Proc{
		cmd:    cmd,
		logger: logger.Named("script").With(zap.Int("pid", cmd.Process.Pid)),
		stdin:  stdin,
		events: make(chan wire.Event, 64),
		done:   make(chan struct{}),
	}
	go p.readLoop(pr)
	return p, nil
}

// Events returns the script's event stream. The channel closes when the
// child exits.
func (p *Proc) Events() <-chan wire.Event {
	return p.events
}

// Done is closed once the child has exited and its event stream is drained.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Err reports how the child exited. Valid after Done is closed; nil means a
// clean exit.
func (p *Proc) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.waitErr
}

// Pause asks the script to suspend at its next safe point.
func (p *Proc) Pause() error {
	return p.control('p')
}

// Resume asks a paused script to continue.
func (p *Proc) Resume() error {
	return p.control('r')
}

func (p *Proc) control(code byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if _, err := p.stdin.Write([]byte{code, '\n'}); err != nil {
		return fmt.Errorf("script: send control %q: %w", code, err)
	}
	return nil
}

// Stop terminates the child: SIGTERM first so it can run cleanup hooks,
// SIGKILL once the deadline lapses. It returns after the child has exited.
func (p *Proc) Stop(deadline time.Duration) {
	if deadline <= 0 {
		deadline = DefaultStopDeadline
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("SIGTERM failed, process likely gone", zap.Error(err))
	}

	select {
	case <-p.done:
		return
	case <-time.After(deadline):
		p.logger.Warn("script ignored SIGTERM, sending SIGKILL",
			zap.Duration("deadline", deadline))
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Debug("SIGKILL failed", zap.Error(err))
		}
		<-p.done
	}
}

// readLoop parses the merged output stream line by line until EOF, then
// reaps the child.
func (p *Proc) readLoop(r io.ReadCloser) {
	defer close(p.done)
	defer close(p.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := wire.Decode(line)
		if err != nil || frame.Kind != wire.FrameEvent {
			// Anything that is not an event frame is treated as a stray
			// diagnostic line.
			p.logger.Debug("non-event script output", zap.ByteString("line", line))
			continue
		}
		metrics.ScriptEvents.WithLabelValues(frame.Event.Event).Inc()
		p.events <- frame.Event
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("script output read failed", zap.Error(err))
	}
	r.Close()

	err := p.cmd.Wait()
	p.errMu.Lock()
	p.waitErr = err
	p.errMu.Unlock()
}
