// Package tensorboard writes metric points as TensorBoard event files.
package tensorboard

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nmtboard.tail/internal/core/domain"
)

const (
	SinkName = "tensorboard"

	// Disabled is the work dir value that turns the local sink off.
	Disabled = "none"

	configStep = 0
)

// Sink appends events to one events.out.tfevents file under
// <work-dir>/<run-tag>/. TensorBoard merges all event files of a run
// directory, so every invocation starts its own file.
type Sink struct {
	dir    string
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	writer *RecordWriter
	now    func() time.Time
}

func New(workDir, runTag string, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(workDir, runTag)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event dir: %w", err)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s.%d", now.Unix(), host, os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}

	buf := bufio.NewWriter(f)
	s := &Sink{
		dir:    dir,
		path:   path,
		logger: logger,
		file:   f,
		buf:    buf,
		writer: NewRecordWriter(buf),
		now:    time.Now,
	}
	if err := s.writer.Write(FileVersionEvent(seconds(now))); err != nil {
		f.Close()
		return nil, err
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write event file header: %w", err)
	}
	logger.Info("writing tensorboard events", "path", path)
	return s, nil
}

func (s *Sink) Name() string { return SinkName }

// Dir is the run directory to point TensorBoard's --logdir at.
func (s *Sink) Dir() string { return s.dir }

func (s *Sink) Path() string { return s.path }

// Push writes the batch as a whole or not at all: encoded records reach the
// file only if ctx is still alive once encoding is done.
func (s *Sink) Push(ctx context.Context, runTag string, points []domain.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var batch bytes.Buffer
	w := NewRecordWriter(&batch)
	for _, p := range points {
		wall := p.WallTime
		if wall.IsZero() {
			wall = s.now()
		}
		if err := w.Write(ScalarEvent(seconds(wall), p.Step, p.Metric, float32(p.Value))); err != nil {
			return err
		}
	}
	return s.commit(ctx, batch.Bytes())
}

// PushConfig writes every entry as a text summary tagged with its name.
func (s *Sink) PushConfig(ctx context.Context, runTag string, entries []domain.ConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.ErrClosed
	}

	var batch bytes.Buffer
	w := NewRecordWriter(&batch)
	wall := seconds(s.now())
	for _, e := range entries {
		if err := w.Write(TextEvent(wall, configStep, e.Name, e.Value)); err != nil {
			return err
		}
	}
	return s.commit(ctx, batch.Bytes())
}

func (s *Sink) commit(ctx context.Context, records []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.buf.Write(records); err != nil {
		return fmt.Errorf("failed to write events: %w", err)
	}
	return s.flush()
}

func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.flush()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

func (s *Sink) flush() error {
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush event file: %w", err)
	}
	return nil
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
