// Package serialport provides a line-oriented command/response transport over
// a single serial port. Instruments on the other end (printer firmware, SCPI
// scopes) answer each command with one or more newline-terminated lines.
package serialport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	ErrTimeout     = errors.New("serialport: timed out waiting for response")
	ErrClosed      = errors.New("serialport: port closed")
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// Line sends commands to a serial device and reads its line responses. A
// background goroutine scans the port into a buffered channel so that reads
// can be abandoned on context cancellation or timeout.
type Line[T SerialPorter] struct {
	port      T
	lines     chan string
	readErr   error // set before lines is closed
	commandMu sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	timeout   time.Duration
}

// LineOption configures a Line.
type LineOption func(*lineConfig)

type lineConfig struct {
	timeout time.Duration
	backlog int
}

// WithTimeout bounds how long a single response line may take. Zero waits
// until the context is done.
func WithTimeout(d time.Duration) LineOption {
	return func(c *lineConfig) { c.timeout = d }
}

// WithBacklog sets how many unread lines are buffered before the reader
// goroutine blocks.
func WithBacklog(n int) LineOption {
	return func(c *lineConfig) { c.backlog = n }
}

// NewLine wraps an open port and starts reading from it.
func NewLine[T SerialPorter](port T, opts ...LineOption) *Line[T] {
	cfg := lineConfig{timeout: 30 * time.Second, backlog: 64}
	for _, opt := range opts {
		opt(&cfg)
	}

	l := &Line[T]{
		port:    port,
		lines:   make(chan string, cfg.backlog),
		closed:  make(chan struct{}),
		timeout: cfg.timeout,
	}
	go l.scan()
	return l
}

func (l *Line[T]) scan() {
	scan := bufio.NewScanner(l.port)
	for scan.Scan() {
		select {
		case l.lines <- strings.TrimRight(scan.Text(), "\r"):
		case <-l.closed:
			l.readErr = ErrClosed
			close(l.lines)
			return
		}
	}
	l.readErr = scan.Err()
	if l.readErr == nil {
		l.readErr = ErrClosed
	}
	close(l.lines)
}

// SendCommand writes the provided command to the serial port without
// waiting for a response.
func (l *Line[T]) SendCommand(command string) error {
	l.commandMu.Lock()
	defer l.commandMu.Unlock()
	return l.write(command)
}

func (l *Line[T]) write(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := l.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// ReadLine returns the next line from the device.
func (l *Line[T]) ReadLine(ctx context.Context) (string, error) {
	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case line, ok := <-l.lines:
		if !ok {
			return "", l.readErr
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timeout:
		return "", ErrTimeout
	}
}

// Transact sends command and collects response lines until done reports true
// for one of them. That terminating line is included in the result. Only one
// transaction runs at a time on a Line.
func (l *Line[T]) Transact(ctx context.Context, command string, done func(line string) bool) ([]string, error) {
	l.commandMu.Lock()
	defer l.commandMu.Unlock()

	if err := l.write(command); err != nil {
		return nil, fmt.Errorf("write %q: %w", command, err)
	}

	var resp []string
	for {
		line, err := l.ReadLine(ctx)
		if err != nil {
			return resp, fmt.Errorf("awaiting response to %q: %w", command, err)
		}
		resp = append(resp, line)
		if done(line) {
			return resp, nil
		}
	}
}

// Drain discards any lines already buffered, such as a firmware boot banner,
// and returns how many were dropped.
func (l *Line[T]) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Close closes the underlying port, which also stops the reader goroutine.
func (l *Line[T]) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.port.Close()
	})
	return err
}
