// Package tailer reads newly appended lines from growing log files.
package tailer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"
)

// ReadResult is what one ReadNew call observed.
type ReadResult struct {
	Lines []string
	// Reset is set when the file was truncated or replaced and reading
	// restarted from the beginning.
	Reset bool
	// Missing is set when the file does not currently exist.
	Missing bool
}

// Cursor tracks the read position of a single file. Only complete lines are
// consumed: a trailing line without a terminator stays unread until the writer
// finishes it.
type Cursor struct {
	path     string
	offset   int64
	info     fs.FileInfo
	lastRead time.Time
	lines    int64
	resets   int
}

func NewCursor(path string) *Cursor {
	return &Cursor{path: path}
}

func (c *Cursor) Path() string { return c.path }

// Offset is the byte position of the first unread line.
func (c *Cursor) Offset() int64 { return c.offset }

// SetOffset positions the cursor, used when resuming from a saved state.
func (c *Cursor) SetOffset(offset int64) {
	if offset < 0 {
		offset = 0
	}
	c.offset = offset
}

// ReadNew returns the complete lines appended since the previous call.
// Calling it again without file growth returns no lines.
func (c *Cursor) ReadNew() (ReadResult, error) {
	var res ReadResult

	f, err := os.Open(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Missing = true
			return res, nil
		}
		return res, fmt.Errorf("open %s: %w", c.path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("stat %s: %w", c.path, err)
	}

	switch {
	case c.info != nil && !os.SameFile(c.info, info):
		res.Reset = true
	case info.Size() < c.offset:
		res.Reset = true
	}
	if res.Reset {
		c.offset = 0
		c.resets++
	}
	c.info = info

	size := info.Size()
	if size == c.offset {
		return res, nil
	}

	if _, err := f.Seek(c.offset, io.SeekStart); err != nil {
		return res, fmt.Errorf("seek %s: %w", c.path, err)
	}

	reader := bufio.NewReader(io.LimitReader(f, size-c.offset))
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial line is left for the next call.
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("read %s: %w", c.path, err)
		}
		c.offset += int64(len(line))
		res.Lines = append(res.Lines, strings.TrimRight(line, "\r\n"))
	}

	if len(res.Lines) > 0 {
		c.lines += int64(len(res.Lines))
		c.lastRead = time.Now()
	}
	return res, nil
}
