package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxFrameSize bounds a single line-delimited envelope.
const maxFrameSize = 16 << 20

// LineFramer frames envelopes as newline-delimited JSON.
type LineFramer struct {
	r       *bufio.Reader
	w       io.Writer
	c       io.Closer
	writeMu sync.Mutex
}

// NewLineFramer reads frames from r and writes them to w. Close calls c.
func NewLineFramer(r io.Reader, w io.Writer, c io.Closer) *LineFramer {
	return &LineFramer{r: bufio.NewReaderSize(r, 64<<10), w: w, c: c}
}

// ReadFrame returns the next non-blank line without its terminator.
func (f *LineFramer) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		trimmed := bytes.TrimSpace(line)
		if err != nil {
			if len(trimmed) > 0 && errors.Is(err, io.EOF) {
				return trimmed, nil
			}
			return nil, err
		}
		if len(trimmed) == 0 {
			line = line[:0]
			continue
		}
		return trimmed, nil
	}
}

// WriteFrame writes data followed by a newline.
func (f *LineFramer) WriteFrame(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := f.w.Write(buf)
	return err
}

// Close closes the underlying stream.
func (f *LineFramer) Close() error {
	if f.c == nil {
		return nil
	}
	return f.c.Close()
}

// NewStream multiplexes envelopes over a byte stream such as a pipe or socket.
func NewStream(rwc io.ReadWriteCloser, opts ...Option) *Mux {
	return NewMux(NewLineFramer(rwc, rwc, rwc), opts...)
}

// Spawn starts a backend process and talks to it over stdin and stdout.
// The process's stderr is passed through to ours. Closing the returned Mux
// closes stdin, lets the read loop drain stdout to EOF and then waits for
// the process, killing it if it does not exit.
func Spawn(ctx context.Context, name string, args []string, opts ...Option) (*Mux, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	out := &drainReader{r: stdout, drained: make(chan struct{})}
	p := &process{cmd: cmd, stdin: stdin, stdout: out}
	return NewMux(NewLineFramer(out, stdin, p), opts...), nil
}

// drainReader closes drained once the wrapped reader returns an error.
type drainReader struct {
	r       io.Reader
	once    sync.Once
	drained chan struct{}
}

func (d *drainReader) Read(b []byte) (int, error) {
	n, err := d.r.Read(b)
	if err != nil {
		d.once.Do(func() { close(d.drained) })
	}
	return n, err
}

// process closes a spawned backend.
//
// exec.Cmd.Wait closes the stdout pipe, so it must not run until the read
// loop has seen EOF or frames written after stdin closes are lost.
type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	stdout *drainReader
	once   sync.Once
	err    error
}

func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.stdout.drained:
		case <-time.After(closeGracePeriod):
			_ = p.cmd.Process.Kill()
		}

		waited := make(chan error, 1)
		go func() { waited <- p.cmd.Wait() }()

		select {
		case err := <-waited:
			p.err = exitError(err)
		case <-time.After(closeGracePeriod):
			_ = p.cmd.Process.Kill()
			<-waited
		}
	})
	return p.err
}

func exitError(err error) error {
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.Exited() {
		return fmt.Errorf("backend exited with status %d", exit.ExitCode())
	}
	if err != nil && !errors.As(err, &exit) {
		return err
	}
	return nil
}
