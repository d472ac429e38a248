package tailer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"nmtboard.tail/internal/core/domain"
)

// ErrNoSources is returned when no configured path resolves to an existing file.
var ErrNoSources = errors.New("no log file matches the configured paths")

// Batch is the output of one cursor for one poll.
type Batch struct {
	Path  string
	Lines []string
	Reset bool
}

// SourceSet expands paths and glob patterns into cursors and keeps picking up
// files that start matching later, e.g. new log shards.
type SourceSet struct {
	patterns []string
	cursors  map[string]*Cursor
	finished map[string]int64
	missing  map[string]bool
	logger   *slog.Logger
}

func NewSourceSet(patterns []string, logger *slog.Logger) *SourceSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceSet{
		patterns: patterns,
		cursors:  make(map[string]*Cursor),
		finished: make(map[string]int64),
		missing:  make(map[string]bool),
		logger:   logger,
	}
}

// Resolve performs the initial expansion. It fails with ErrNoSources when
// nothing exists yet.
func (s *SourceSet) Resolve() ([]string, error) {
	added, err := s.Refresh()
	if err != nil {
		return nil, err
	}
	if len(s.cursors) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoSources, s.patterns)
	}
	return added, nil
}

// Refresh expands all patterns again and starts tracking new files. Paths
// already finished are not tracked again.
func (s *SourceSet) Refresh() ([]string, error) {
	var added []string
	for _, pattern := range s.patterns {
		matches, err := expand(pattern)
		if err != nil {
			return added, fmt.Errorf("expand %q: %w", pattern, err)
		}
		for _, path := range matches {
			if _, ok := s.cursors[path]; ok {
				continue
			}
			if _, done := s.finished[path]; done {
				continue
			}
			s.cursors[path] = NewCursor(path)
			added = append(added, path)
			s.logger.Info("tracking log file", "path", path)
		}
	}
	sort.Strings(added)
	return added, nil
}

// Poll reads every tracked cursor once, in path order. Per-file problems are
// logged and do not stop the other files from being read.
func (s *SourceSet) Poll() []Batch {
	batches := make([]Batch, 0, len(s.cursors))
	for _, path := range s.Paths() {
		c := s.cursors[path]
		res, err := c.ReadNew()
		if err != nil {
			s.logger.Warn("failed to read log file", "path", path, "error", err)
		}
		if res.Missing {
			if !s.missing[path] {
				s.logger.Warn("log file disappeared, will retry", "path", path)
			}
			s.missing[path] = true
			continue
		}
		if s.missing[path] {
			s.logger.Info("log file is back", "path", path)
			delete(s.missing, path)
		}
		if res.Reset {
			s.logger.Warn("log file truncated or rotated, reading from the start", "path", path)
		}
		if len(res.Lines) > 0 || res.Reset {
			batches = append(batches, Batch{Path: path, Lines: res.Lines, Reset: res.Reset})
		}
	}
	return batches
}

// MarkFinished stops tracking a file for good.
func (s *SourceSet) MarkFinished(path string) {
	c, ok := s.cursors[path]
	if !ok {
		return
	}
	delete(s.cursors, path)
	delete(s.missing, path)
	s.finished[path] = c.Offset()
	s.logger.Info("training finished, log file no longer tracked", "path", path)
}

// Active is the number of tracked files.
func (s *SourceSet) Active() int {
	return len(s.cursors)
}

// Finished is the number of files dropped after their completion marker.
func (s *SourceSet) Finished() int {
	return len(s.finished)
}

func (s *SourceSet) Cursor(path string) (*Cursor, bool) {
	c, ok := s.cursors[path]
	return c, ok
}

// Paths lists the tracked files in a stable order.
func (s *SourceSet) Paths() []string {
	paths := make([]string, 0, len(s.cursors))
	for p := range s.cursors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Offsets returns the read position of every tracked and finished file.
func (s *SourceSet) Offsets() map[string]int64 {
	out := make(map[string]int64, len(s.cursors)+len(s.finished))
	for p, offset := range s.finished {
		out[p] = offset
	}
	for p, c := range s.cursors {
		out[p] = c.Offset()
	}
	return out
}

// Snapshot describes tracked and finished files for status reporting.
func (s *SourceSet) Snapshot() []domain.LogSource {
	out := make([]domain.LogSource, 0, len(s.cursors)+len(s.finished))
	for _, p := range s.Paths() {
		c := s.cursors[p]
		out = append(out, domain.LogSource{
			Path:      p,
			Offset:    c.offset,
			LastRead:  c.lastRead,
			Restarts:  c.resets,
			LinesRead: c.lines,
		})
	}
	finished := make([]string, 0, len(s.finished))
	for p := range s.finished {
		finished = append(finished, p)
	}
	sort.Strings(finished)
	for _, p := range finished {
		out = append(out, domain.LogSource{Path: p, Offset: s.finished[p], Finished: true})
	}
	return out
}

// expand resolves one configured path. A directory stands for the *.log
// files inside it.
func expand(pattern string) ([]string, error) {
	if info, err := os.Stat(pattern); err == nil && info.IsDir() {
		pattern = filepath.Join(pattern, "*.log")
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		abs, err := filepath.Abs(m)
		if err != nil {
			abs = m
		}
		out = append(out, abs)
	}
	return out, nil
}

// Dirs returns the directories the configured patterns live in.
func (s *SourceSet) Dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, pattern := range s.patterns {
		dir := filepath.Dir(pattern)
		if info, err := os.Stat(pattern); err == nil && info.IsDir() {
			dir = pattern
		}
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
