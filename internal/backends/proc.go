package backends

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/desertthunder/mirrorbot/internal/models"
	"github.com/desertthunder/mirrorbot/internal/shared"
)

// procTransfer wraps a subprocess-driven transfer (yt-dlp, aria2c, rclone).
// Progress is parsed line by line from the process output; cancellation
// kills the process group and Wait does not return until the process has
// been reaped, so no orphans survive a cancel.
type procTransfer struct {
	cmd     *exec.Cmd
	tracker *tracker

	// resolveDir marks path as an output directory to be collapsed to the
	// downloaded file once the process exits cleanly.
	resolveDir bool

	// parse consumes one output line and updates the tracker.
	parse func(line string, t *tracker)
	// classify maps a process exit error plus its captured output tail to
	// the error taxonomy.
	classify func(err error, tail string) error

	once sync.Once
	done chan struct{}

	mu        sync.Mutex
	path      string
	err       error
	cancelled bool
	paused    bool
}

// startProc launches cmd and begins consuming its output. The command must
// not have been started yet. When resolveDir is set, path is the output
// directory and Path reports the file written into it after a clean exit.
func startProc(ctx context.Context, cmd *exec.Cmd, path string, resolveDir bool, parse func(string, *tracker), classify func(error, string) error) (*procTransfer, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe subprocess output: %w", err)
	}
	cmd.Stderr = cmd.Stdout // merged stream; progress tools write to either

	// Own process group so Cancel can signal children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrTransient, err)
	}

	t := &procTransfer{
		cmd:        cmd,
		tracker:    newTracker(),
		path:       path,
		resolveDir: resolveDir,
		parse:      parse,
		classify:   classify,
		done:       make(chan struct{}),
	}

	go t.run(ctx, stdout)
	return t, nil
}

func (t *procTransfer) run(ctx context.Context, stdout io.Reader) {
	defer close(t.done)

	// Keep a short tail of output for error classification.
	var tail []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if t.parse != nil {
			t.parse(line, t.tracker)
		}
		tail = append(tail, line)
		if len(tail) > 20 {
			tail = tail[1:]
		}
	}

	err := t.cmd.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.cancelled || ctx.Err() != nil:
		t.err = fmt.Errorf("%w: transfer aborted", shared.ErrCancelled)
	case err != nil:
		t.err = t.classify(err, strings.Join(tail, "\n"))
	case t.resolveDir:
		// The tool reports only its output directory up front; point Path
		// at what it actually wrote so the upload phase gets a file.
		resolved, rerr := resolveArtifact(t.path)
		if rerr != nil {
			t.err = rerr
			break
		}
		t.path = resolved
	}
}

func (t *procTransfer) Status() models.Progress { return t.tracker.snapshot() }

func (t *procTransfer) Cancel() {
	t.once.Do(func() {
		t.mu.Lock()
		t.cancelled = true
		paused := t.paused
		t.mu.Unlock()

		if t.cmd.Process != nil {
			// A stopped process ignores SIGTERM until continued.
			if paused {
				syscall.Kill(-t.cmd.Process.Pid, syscall.SIGCONT)
			}
			syscall.Kill(-t.cmd.Process.Pid, syscall.SIGTERM)
		}
	})
}

func (t *procTransfer) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *procTransfer) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// signal sends sig to the process group, tracking pause state.
func (t *procTransfer) signal(sig syscall.Signal, paused bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd.Process == nil {
		return fmt.Errorf("%w: process not running", shared.ErrTransient)
	}
	if err := syscall.Kill(-t.cmd.Process.Pid, sig); err != nil {
		return fmt.Errorf("failed to signal subprocess: %w", err)
	}
	t.paused = paused
	return nil
}
