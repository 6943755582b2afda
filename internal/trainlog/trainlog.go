// Package trainlog writes the plain-text training log.
package trainlog

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Sink is an append-only training log with a single writer.
type Sink struct {
	f   afero.File
	w   *bufio.Writer
	err error
}

// Open opens path for appending, creating it if needed.
func Open(fs afero.Fs, path string) (*Sink, error) {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open training log %s", path)
	}
	return &Sink{f: f, w: bufio.NewWriter(f)}, nil
}

// Interval writes a periodic progress line.
func (s *Sink) Interval(mode string, epoch, batch, total int, avgLoss float64) error {
	return s.printf("[%s] epoch %d - batch %d / %d - avg_loss: %f\n", mode, epoch, batch, total, avgLoss)
}

// Summary writes the end-of-epoch line.
func (s *Sink) Summary(mode string, epoch int, avgLoss float64) error {
	return s.printf("[%s] epoch %d - avg_loss: %f\n", mode, epoch, avgLoss)
}

// Empty writes the end-of-epoch line for an epoch in which no batch
// produced a loss.
func (s *Sink) Empty(mode string, epoch, total int) error {
	return s.printf("[%s] epoch %d - avg_loss: none (0 of %d batches usable)\n", mode, epoch, total)
}

// Flush pushes buffered lines to the file.
func (s *Sink) Flush() error {
	if s.err != nil {
		return s.err
	}
	if err := s.w.Flush(); err != nil {
		s.err = errors.Wrapf(err, "flush training log")
	}
	return s.err
}

// Close flushes and closes the log.
func (s *Sink) Close() error {
	flushErr := s.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return errors.Wrapf(closeErr, "close training log")
}

func (s *Sink) printf(format string, args ...interface{}) error {
	if s.err != nil {
		return s.err
	}
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		s.err = errors.Wrapf(err, "write training log")
	}
	return s.err
}
