package writer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
)

// Stats holds delivery counters of a Writer.
type Stats struct {
	// BytesWritten is the number of bytes accepted by the underlying writer.
	BytesWritten int64

	// Writes is the number of Write calls that were buffered.
	Writes int64

	// Flushes is the number of times the buffer was handed to the underlying writer.
	Flushes int64

	// Errors is the number of flushes that failed after all retries.
	Errors int64

	// Overflows is the number of Write calls refused because the buffer was full.
	Overflows int64
}

// Config holds configuration options for a Writer.
type Config struct {
	// BufferSize is the number of bytes held while the underlying writer is busy.
	// Default: 64 KiB
	BufferSize int

	// MaxRetries is how often a failed underlying write is retried.
	// Default: 3
	MaxRetries int

	// RetryDelay is the pause between retries.
	// Default: 100 milliseconds
	RetryDelay time.Duration

	// OnError is called from the flushing goroutine when a flush fails.
	OnError func(error)

	// OnBufferFull is called from Write when data is refused.
	OnBufferFull func()
}

// DefaultConfig returns the default Writer configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize: 64 * 1024,
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Writer is an io.Writer whose Write never blocks on the underlying writer.
// Data is appended to a bounded buffer and written by a background goroutine.
type Writer struct {
	underlying io.Writer
	config     Config

	mu     sync.Mutex
	buffer []byte
	closed bool

	kick    chan struct{}
	flushCh chan chan error
	done    chan struct{}
	wg      sync.WaitGroup

	lastErr atomic.Value // error wrapper

	bytesWritten atomic.Int64
	writes       atomic.Int64
	flushes      atomic.Int64
	errors       atomic.Int64
	overflows    atomic.Int64
}

type errBox struct{ err error }

// New creates a Writer with default configuration.
func New(w io.Writer) *Writer {
	return NewWithConfig(w, DefaultConfig())
}

// NewWithConfig creates a Writer and starts its flushing goroutine.
func NewWithConfig(w io.Writer, config Config) *Writer {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}

	aw := &Writer{
		underlying: w,
		config:     config,
		buffer:     make([]byte, 0, config.BufferSize),
		kick:       make(chan struct{}, 1),
		flushCh:    make(chan chan error),
		done:       make(chan struct{}),
	}
	aw.wg.Add(1)
	go aw.run()
	return aw
}

// Write buffers p. It fails with errors.ErrCapacityExceeded, writing nothing,
// when p does not fit, and with errors.ErrClosed after Close.
func (aw *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return 0, fmt.Errorf("writer: %w", clerrors.ErrClosed)
	}
	if len(aw.buffer)+len(p) > cap(aw.buffer) {
		aw.mu.Unlock()
		aw.overflows.Add(1)
		if aw.config.OnBufferFull != nil {
			aw.config.OnBufferFull()
		}
		return 0, fmt.Errorf("writer: %d bytes do not fit in buffer of %d: %w",
			len(p), aw.config.BufferSize, clerrors.ErrCapacityExceeded)
	}
	aw.buffer = append(aw.buffer, p...)
	aw.mu.Unlock()

	aw.writes.Add(1)
	select {
	case aw.kick <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Flush waits until everything written before the call reached the
// underlying writer, or ctx ends.
func (aw *Writer) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case aw.flushCh <- reply:
	case <-aw.done:
		return fmt.Errorf("writer: %w", clerrors.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes the remaining data and stops the flushing goroutine. It
// returns the error of the final flush, if any.
func (aw *Writer) Close() error {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return nil
	}
	aw.closed = true
	aw.mu.Unlock()

	close(aw.done)
	aw.wg.Wait()
	if box, ok := aw.lastErr.Load().(errBox); ok {
		return box.err
	}
	return nil
}

// Buffered returns the number of bytes waiting to be written.
func (aw *Writer) Buffered() int {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return len(aw.buffer)
}

// Stats returns the delivery counters.
func (aw *Writer) Stats() Stats {
	return Stats{
		BytesWritten: aw.bytesWritten.Load(),
		Writes:       aw.writes.Load(),
		Flushes:      aw.flushes.Load(),
		Errors:       aw.errors.Load(),
		Overflows:    aw.overflows.Load(),
	}
}

func (aw *Writer) run() {
	defer aw.wg.Done()
	for {
		select {
		case <-aw.kick:
			aw.flush()
		case reply := <-aw.flushCh:
			reply <- aw.flush()
		case <-aw.done:
			aw.lastErr.Store(errBox{aw.flush()})
			return
		}
	}
}

// flush hands the buffered bytes to the underlying writer.
func (aw *Writer) flush() error {
	aw.mu.Lock()
	if len(aw.buffer) == 0 {
		aw.mu.Unlock()
		return nil
	}
	data := make([]byte, len(aw.buffer))
	copy(data, aw.buffer)
	aw.buffer = aw.buffer[:0]
	aw.mu.Unlock()

	written, err := aw.writeWithRetries(data)
	aw.bytesWritten.Add(int64(written))
	aw.flushes.Add(1)
	if err != nil {
		aw.errors.Add(1)
		if aw.config.OnError != nil {
			aw.config.OnError(err)
		}
	}
	return err
}

// writeWithRetries writes data with retry logic.
func (aw *Writer) writeWithRetries(data []byte) (int, error) {
	var totalWritten int
	var lastErr error

	for attempt := 0; attempt <= aw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(aw.config.RetryDelay)
			select {
			case <-t.C:
			case <-aw.done:
				// Closing retries without delay.
				t.Stop()
			}
		}

		written, err := aw.underlying.Write(data[totalWritten:])
		totalWritten += written
		if err != nil {
			lastErr = err
			continue
		}
		if totalWritten >= len(data) {
			return totalWritten, nil
		}
	}
	if lastErr == nil {
		lastErr = io.ErrShortWrite
	}
	return totalWritten, fmt.Errorf("writer: %d of %d bytes written: %w", totalWritten, len(data), lastErr)
}
