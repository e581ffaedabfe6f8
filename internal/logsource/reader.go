// Package logsource tails rotating CMTrace log files without re-reading consumed bytes.
package logsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/msageha/imewatch/internal/logging"
)

const utf8BOM = "\ufeff"

// FileOffset is the read position of one monitored file.
type FileOffset struct {
	Offset int64 `yaml:"offset" json:"offset"`
	Size   int64 `yaml:"size" json:"size"`
}

// LineFunc receives one complete line. Returning false stops the scan and
// leaves the line unconsumed, so it is delivered again next time.
type LineFunc func(file, line string) bool

// Reader enumerates log files in a directory and delivers the lines appended
// since the previous scan. Offsets are keyed by file name, not full path.
type Reader struct {
	dir      string
	patterns []string
	offsets  map[string]FileOffset
	log      *logging.Logger
}

func NewReader(dir string, patterns []string, logger *logging.Logger) *Reader {
	return &Reader{
		dir:      dir,
		patterns: append([]string(nil), patterns...),
		offsets:  make(map[string]FileOffset),
		log:      logger.With("logsource"),
	}
}

func (r *Reader) Dir() string { return r.dir }

// Offsets returns a copy of the current offset table.
func (r *Reader) Offsets() map[string]FileOffset {
	out := make(map[string]FileOffset, len(r.offsets))
	for k, v := range r.offsets {
		out[k] = v
	}
	return out
}

// SetOffsets replaces the offset table, e.g. after a checkpoint restore.
func (r *Reader) SetOffsets(offsets map[string]FileOffset) {
	r.offsets = make(map[string]FileOffset, len(offsets))
	for k, v := range offsets {
		r.offsets[filepath.Base(k)] = v
	}
}

// Files lists matching file names in lexicographic order, which places
// date-stamped archives ahead of the active file of the same family.
func (r *Reader) Files() ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, p := range r.patterns {
		matches, err := filepath.Glob(filepath.Join(r.dir, p))
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", p, err)
		}
		for _, m := range matches {
			name := filepath.Base(m)
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Scan reads every matching file from its recorded offset to the end of file
// as observed at open time. Per-file errors are logged and the file skipped.
// It reports whether any offset record changed.
func (r *Reader) Scan(ctx context.Context, fn LineFunc) bool {
	names, err := r.Files()
	if err != nil {
		r.log.Warnf("enumerate %s: %v", r.dir, err)
		return false
	}

	sizes := make(map[string]int64, len(names))
	files := names[:0]
	for _, name := range names {
		info, err := os.Stat(filepath.Join(r.dir, name))
		if err != nil {
			r.log.Debugf("stat %s: %v", name, err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		sizes[name] = info.Size()
		files = append(files, name)
	}

	changed := r.adoptRotated(files, sizes)

	for _, name := range files {
		if ctx.Err() != nil {
			break
		}
		fileChanged, stopped, err := r.readFile(name, fn)
		if err != nil {
			r.log.Warnf("read %s: %v", name, err)
		}
		changed = changed || fileChanged
		if stopped {
			break
		}
	}
	return changed
}

// adoptRotated carries the offset of a shrunk file over to a newly appeared
// archive of the same family, so a renamed log is not parsed twice.
func (r *Reader) adoptRotated(names []string, sizes map[string]int64) bool {
	adopted := false
	for _, name := range names {
		rec, ok := r.offsets[name]
		if !ok || rec.Size == 0 || sizes[name] >= rec.Size {
			continue
		}
		prefix := strings.TrimSuffix(name, filepath.Ext(name)) + "-"

		candidate := ""
		for _, other := range names {
			if _, known := r.offsets[other]; known {
				continue
			}
			if strings.HasPrefix(other, prefix) && sizes[other] >= rec.Offset {
				candidate = other // names are sorted; keep the newest stamp
			}
		}
		if candidate == "" {
			continue
		}
		r.offsets[candidate] = FileOffset{Offset: rec.Offset, Size: sizes[candidate]}
		r.log.Infof("rotation detected: %s adopts offset %d of %s", candidate, rec.Offset, name)
		adopted = true
	}
	return adopted
}

func (r *Reader) readFile(name string, fn LineFunc) (changed, stopped bool, err error) {
	f, err := os.Open(filepath.Join(r.dir, name))
	if err != nil {
		return false, false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return false, false, err
	}
	size := info.Size()

	rec, known := r.offsets[name]
	start := rec.Offset
	if known && rec.Size > 0 && size < rec.Size {
		r.log.Infof("%s shrank from %d to %d bytes, reading from start", name, rec.Size, size)
		start = 0
	}
	if start > size {
		start = size
	}

	pos := start
	br := bufio.NewReader(io.NewSectionReader(f, start, size-start))
	for {
		line, rerr := br.ReadString('\n')
		if rerr != nil {
			// A trailing fragment without newline stays unconsumed until the
			// writer finishes it.
			if !errors.Is(rerr, io.EOF) {
				err = rerr
			}
			break
		}
		text := strings.TrimRight(line, "\r\n")
		if pos == 0 {
			text = strings.TrimPrefix(text, utf8BOM)
		}
		if !fn(name, text) {
			stopped = true
			break
		}
		pos += int64(len(line))
		// Committed per line: if fn panics, only the line in flight is
		// delivered again.
		r.offsets[name] = FileOffset{Offset: pos, Size: size}
	}

	next := FileOffset{Offset: pos, Size: size}
	if !known || next != rec {
		r.offsets[name] = next
		changed = true
	}
	return changed, stopped, err
}
