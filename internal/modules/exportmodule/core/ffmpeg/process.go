package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/codec"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"golang.org/x/sync/errgroup"
)

const stderrTail = 4096

// tailBuffer keeps the last bytes written to it for error reports.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTail; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// process is a supervised ffmpeg child with an optional deadline-aware
// stdin pipe and stdout handed to a single consumer goroutine.
type process struct {
	name    string
	cmd     *exec.Cmd
	stdin   *os.File
	stdout  io.ReadCloser
	stderr  *tailBuffer
	cancel  context.CancelFunc
	group   *errgroup.Group
	closing atomic.Bool
	logger  hclog.Logger

	// stall bounds a committed write that stops making progress.
	stall time.Duration

	stdinOnce sync.Once
}

func startProcess(ctx context.Context, logger hclog.Logger, name, path string, args []string, withStdin bool) (*process, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, path, args...)
	p := &process{
		name:   name,
		cmd:    cmd,
		stderr: &tailBuffer{},
		cancel: cancel,
		logger: logger,
	}
	cmd.Stderr = p.stderr

	var childStdin *os.File
	if withStdin {
		r, w, err := os.Pipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: create %s stdin pipe: %v", exportErrors.ErrIOFailure, name, err)
		}
		cmd.Stdin = r
		childStdin = r
		p.stdin = w
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.closePipes(childStdin)
		cancel()
		return nil, fmt.Errorf("%w: %s stdout pipe: %v", exportErrors.ErrIOFailure, name, err)
	}
	p.stdout = stdout

	logger.Debug("Starting ffmpeg process", "name", name, "cmd", path, "args", strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		p.closePipes(childStdin)
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", exportErrors.ErrIOFailure, name, err)
	}
	if childStdin != nil {
		childStdin.Close()
	}
	p.group, _ = errgroup.WithContext(procCtx)
	return p, nil
}

func (p *process) closePipes(child *os.File) {
	if child != nil {
		child.Close()
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
}

// consume runs fn over stdout in a supervised goroutine, then reaps the
// process. done receives the combined outcome exactly once.
func (p *process) consume(fn func(io.Reader) error, done func(error)) {
	p.group.Go(func() error {
		readErr := fn(p.stdout)
		if readErr != nil {
			// Unblock the child if it is still writing.
			io.Copy(io.Discard, p.stdout)
		}
		waitErr := p.cmd.Wait()
		err := readErr
		if err == nil && waitErr != nil {
			err = fmt.Errorf("%s exited: %v: %s", p.name, waitErr, p.stderr.String())
		}
		if p.closing.Load() {
			err = nil
		}
		done(err)
		return err
	})
}

// write sends data to stdin. A call that gets no byte accepted within
// timeout returns codec.ErrTryAgain. Once part of data is accepted the rest
// is committed: writing continues while the child keeps reading, and fails
// with ErrEncoderTimeout only after the stall bound passes with no progress.
func (p *process) write(data []byte, timeout time.Duration) error {
	if p.stdin == nil {
		return errors.New("process has no stdin")
	}
	if timeout <= 0 {
		p.stdin.SetWriteDeadline(time.Time{})
		if _, err := p.stdin.Write(data); err != nil {
			return fmt.Errorf("%w: write to %s: %v: %s", exportErrors.ErrIOFailure, p.name, err, p.stderr.String())
		}
		return nil
	}
	stall := p.stall
	if stall <= 0 {
		stall = codec.DefaultCodecTimeout
	}

	written := 0
	lastProgress := time.Now()
	for written < len(data) {
		p.stdin.SetWriteDeadline(time.Now().Add(timeout))
		n, err := p.stdin.Write(data[written:])
		written += n
		if n > 0 {
			lastProgress = time.Now()
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: write to %s: %v: %s", exportErrors.ErrIOFailure, p.name, err, p.stderr.String())
		}
		if written == 0 {
			return codec.ErrTryAgain
		}
		if time.Since(lastProgress) >= stall {
			return fmt.Errorf("%w: %s accepted %d of %d bytes and then stalled for %s",
				exportErrors.ErrEncoderTimeout, p.name, written, len(data), stall)
		}
	}
	return nil
}

// closeStdin signals end of input.
func (p *process) closeStdin() {
	p.stdinOnce.Do(func() {
		if p.stdin != nil {
			p.stdin.Close()
		}
	})
}

// stop kills the child if it is still running and waits for the consumer.
func (p *process) stop() error {
	p.closing.Store(true)
	p.closeStdin()
	p.cancel()
	p.group.Wait()
	return nil
}

// eventQueue is an unbounded, mutex-guarded queue of encoder events. The
// stdout consumer never blocks on it, so a slow caller cannot stall the
// child's output and deadlock its input.
type eventQueue struct {
	mu     sync.Mutex
	events []codec.Event
	err    error
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev codec.Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop waits up to timeout for the next event. Queued events are drained
// before a recorded failure is reported.
func (q *eventQueue) pop(timeout time.Duration) (codec.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events[0] = codec.Event{}
			q.events = q.events[1:]
			q.mu.Unlock()
			return ev, nil
		}
		err := q.err
		q.mu.Unlock()
		if err != nil {
			return codec.Event{}, err
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return codec.Event{Kind: codec.EventTryAgain}, nil
		}
	}
}
