// Package tail follows a growing log file through an external `tail -F`
// process and exposes its output as a stream of lines.
//
// Following is delegated to tail(1) because it already tracks the file by name
// across rotation and recreation. The stream starts at end of file; history is
// never replayed.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ErrStreamEnded is reported by Stream.Err when the source closed cleanly.
var ErrStreamEnded = errors.New("tail: stream ended")

// DefaultBinary is used when Follower.Binary is empty.
const DefaultBinary = "/usr/bin/tail"

const maxLineBytes = 1 << 20

// Follower spawns follow-mode readers.
type Follower struct {
	Binary string
	Logger *slog.Logger
}

// Stream is a lazily produced, infinite sequence of lines. It is not
// restartable; callers start a new Follow when it ends.
type Stream struct {
	lines chan string
	done  chan struct{}
	err   error
}

// Lines returns the line channel. It is closed when the stream ends.
func (s *Stream) Lines() <-chan string { return s.lines }

// Done is closed after Lines is closed and Err is set.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err blocks until the stream has ended and reports why. It is never nil.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Follow starts `tail -c 0 -F path`. The path is passed as a single argument,
// never through a shell. Cancelling ctx kills the process and ends the stream.
func (f *Follower) Follow(ctx context.Context, path string) (*Stream, error) {
	bin := f.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	logger := f.logger().With(slog.String("path", path))

	cmd := exec.CommandContext(ctx, bin, "-c", "0", "-F", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tail stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("tail stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	logger.Info("tailing file", slog.String("binary", bin), slog.Int("pid", cmd.Process.Pid))

	var diag sync.WaitGroup
	diag.Add(1)
	go func() {
		defer diag.Done()
		// tail -F reports truncation and replacement on stderr.
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			if msg := strings.TrimSpace(sc.Text()); msg != "" {
				logger.Warn("tail diagnostic", slog.String("msg", msg))
			}
		}
	}()

	return newStream(ctx, stdout, func(readErr error) error {
		diag.Wait()
		waitErr := cmd.Wait()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case readErr != nil:
			return fmt.Errorf("read tail output: %w", readErr)
		case waitErr != nil:
			return fmt.Errorf("tail exited: %w", waitErr)
		}
		return ErrStreamEnded
	}), nil
}

// FromReader streams lines from r until EOF, a read error, or ctx is done.
func FromReader(ctx context.Context, r io.Reader) *Stream {
	return newStream(ctx, r, func(readErr error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if readErr != nil {
			return fmt.Errorf("read lines: %w", readErr)
		}
		return ErrStreamEnded
	})
}

// newStream scans r in its own goroutine so that cancellation ends the stream
// even while a read is blocked. A reader that is an io.Closer is closed on
// cancellation to release that goroutine.
func newStream(ctx context.Context, r io.Reader, finish func(readErr error) error) *Stream {
	s := &Stream{
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	stop := func() bool { return false }
	if c, ok := r.(io.Closer); ok {
		stop = context.AfterFunc(ctx, func() { _ = c.Close() })
	}

	scanned := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(scanned)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case scanned <- strings.TrimRight(sc.Text(), "\r\n"):
			case <-ctx.Done():
				scanErr <- nil
				return
			}
		}
		scanErr <- sc.Err()
	}()

	go func() {
		defer close(s.done)
		end := func(readErr error) {
			close(s.lines)
			s.err = finish(readErr)
		}
		for {
			select {
			case line, ok := <-scanned:
				if !ok {
					stop()
					end(<-scanErr)
					return
				}
				select {
				case s.lines <- line:
				case <-ctx.Done():
					end(nil)
					return
				}
			case <-ctx.Done():
				end(nil)
				return
			}
		}
	}()
	return s
}

func (f *Follower) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default().With(slog.String("component", "tail"))
}

// ReaderSource adapts a reader, typically os.Stdin, to Follower's signature.
// The path argument is ignored.
type ReaderSource struct {
	Reader io.Reader
}

// Follow streams lines from the wrapped reader.
func (r ReaderSource) Follow(ctx context.Context, _ string) (*Stream, error) {
	return FromReader(ctx, r.Reader), nil
}
