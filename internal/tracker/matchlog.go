package tracker

import (
	"fmt"
	"os"
	"path/filepath"
)

// matchLog appends every match to a side-channel file for rule debugging.
// Write failures are dropped.
type matchLog struct {
	path string
}

func newMatchLog(path string) *matchLog {
	if path == "" {
		return nil
	}
	return &matchLog{path: path}
}

func (l *matchLog) Record(file, patternID, raw string) {
	if l == nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(l.path), 0755)
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintf(f, "[%s] [%s] %s\n", file, patternID, raw)
}
