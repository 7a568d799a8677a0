package ssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

// maxLineSize bounds a single output line. Longer lines are split.
const maxLineSize = 1024 * 1024

// LineStream is a lazy, finite sequence of lines read from one remote
// output stream. It can be iterated once. A pump goroutine reads the
// stream to EOF into an unbounded queue, so a slow or absent reader never
// stalls the remote command or the other stream of the same channel.
type LineStream struct {
	claimed atomic.Bool

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	dropping bool
	done     bool
	err      error
}

// NewLineStream wraps r as a line stream and starts reading it.
func NewLineStream(r io.Reader) *LineStream {
	s := &LineStream{}
	s.cond = sync.NewCond(&s.mu)
	go s.pump(r)
	return s
}

func (s *LineStream) pump(r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	// split is set while a long line is being cut into pieces, so its
	// terminator does not produce an extra empty line.
	split := false
	for {
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)

		switch {
		case err == nil:
			if text := trimEOL(line); text != "" || !split {
				s.push(text)
			}
			line, split = line[:0], false
		case errors.Is(err, bufio.ErrBufferFull):
			for len(line) >= maxLineSize {
				s.push(string(line[:maxLineSize]))
				line, split = line[maxLineSize:], true
			}
		default:
			if len(line) > 0 {
				s.push(trimEOL(line))
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.finish(err)
			return
		}
	}
}

func trimEOL(b []byte) string {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return string(b)
}

func (s *LineStream) push(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropping {
		return
	}
	s.queue = append(s.queue, line)
	s.cond.Signal()
}

func (s *LineStream) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.err = err
	s.cond.Broadcast()
}

// next blocks until a line is queued or the stream ends.
func (s *LineStream) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.done {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return "", false
	}
	line := s.queue[0]
	s.queue[0] = ""
	s.queue = s.queue[1:]
	return line, true
}

// drop discards queued and future lines. The pump keeps reading to EOF.
func (s *LineStream) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropping = true
	s.queue = nil
}

// Lines returns the line sequence. Line terminators (\n or \r\n) are
// stripped. Iteration ends when the remote closes the stream. Later calls
// yield nothing. Breaking out early discards the rest of the stream.
func (s *LineStream) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !s.claimed.CompareAndSwap(false, true) {
			return
		}

		for {
			line, ok := s.next()
			if !ok {
				return
			}
			if !yield(line) {
				s.drop()
				return
			}
		}
	}
}

// Err returns the read error that ended the stream, if any.
func (s *LineStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// discard drops the stream if nobody has claimed it.
func (s *LineStream) discard() {
	if s.claimed.CompareAndSwap(false, true) {
		s.drop()
	}
}

// wait blocks until the pump has read the stream to its end.
func (s *LineStream) wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.done {
		s.cond.Wait()
	}
}

// OutputStreams holds the two line streams of one command. The streams are
// independent and unordered relative to each other.
type OutputStreams struct {
	Stdout *LineStream
	Stderr *LineStream

	channel *Channel
}

// Wait discards any stream that was never iterated and blocks until the
// command exits. The exit status is reported as for Channel.Wait.
func (o *OutputStreams) Wait() error {
	o.Stdout.discard()
	o.Stderr.discard()
	err := o.channel.Wait()
	o.Stdout.wait()
	o.Stderr.wait()
	return err
}

// Close closes the underlying channel, ending both streams.
func (o *OutputStreams) Close() error {
	return o.channel.Close()
}

// StreamOutput starts cmd and returns its stdout and stderr as line streams.
func (c *SSHClient) StreamOutput(ctx context.Context, cmd string, opts ExecOptions) (*OutputStreams, error) {
	ch, err := c.Exec(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}
	_ = ch.stdin.Close()

	return &OutputStreams{
		Stdout:  NewLineStream(ch.stdout),
		Stderr:  NewLineStream(ch.stderr),
		channel: ch,
	}, nil
}
