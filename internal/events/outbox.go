package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

const (
	DefaultMaxOutboxSize = 10 * 1024 * 1024
	OutboxExtension      = ".jsonl"
	ArchiveDir           = "archive"
)

// Record is one line of the outbox file.
type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// Outbox appends records to a JSONL file and rotates it into archive/ once
// it would grow past maxSize. Every record carries a checksum of its own
// content so the uploader can drop torn lines.
type Outbox struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
	written     uint64
}

func NewOutbox(path string, maxSize int64) (*Outbox, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxOutboxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	o := &Outbox{path: path, maxSize: maxSize}
	if err := o.open(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) open() error {
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat outbox: %w", err)
	}
	o.file = f
	o.currentSize = info.Size()
	return nil
}

// Append writes ev as one record and syncs the file.
// NewRecord converts an event to its outbox form without a checksum.
func NewRecord(ev Event) Record {
	return Record{
		Timestamp: ev.Timestamp,
		EventID:   ev.ID,
		EventType: ev.Type,
		Details:   ev.Data,
	}
}

func (o *Outbox) Append(ev Event) error {
	rec := NewRecord(ev)
	sum, err := checksum(rec)
	if err != nil {
		return err
	}
	rec.Checksum = sum

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return fmt.Errorf("outbox closed")
	}
	if o.currentSize > 0 && o.currentSize+int64(len(data)) > o.maxSize {
		if err := o.rotate(); err != nil {
			return fmt.Errorf("rotate outbox: %w", err)
		}
	}
	n, err := o.file.Write(data)
	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if err := o.file.Sync(); err != nil {
		return fmt.Errorf("sync outbox: %w", err)
	}
	o.currentSize += int64(n)
	o.written++
	return nil
}

// Sink adapts Append to a bus Subscriber; failures go to onErr.
func (o *Outbox) Sink(onErr func(Event, error)) Subscriber {
	return func(ev Event) {
		if err := o.Append(ev); err != nil && onErr != nil {
			onErr(ev, err)
		}
	}
}

func (o *Outbox) rotate() error {
	if err := o.file.Close(); err != nil {
		return fmt.Errorf("close outbox: %w", err)
	}
	o.file = nil

	archive := filepath.Join(filepath.Dir(o.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	o.rotations++
	stem := strings.TrimSuffix(filepath.Base(o.path), OutboxExtension)
	name := fmt.Sprintf("%s.%s.%d%s", stem, time.Now().Format("20060102_150405"), o.rotations, OutboxExtension)
	if err := os.Rename(o.path, filepath.Join(archive, name)); err != nil {
		return fmt.Errorf("archive outbox: %w", err)
	}
	return o.open()
}

func (o *Outbox) Path() string { return o.path }

// Written counts records appended since the outbox was opened.
func (o *Outbox) Written() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.file == nil {
		return nil
	}
	err := o.file.Sync()
	if cerr := o.file.Close(); err == nil {
		err = cerr
	}
	o.file = nil
	return err
}

func checksum(rec Record) (string, error) {
	rec.Checksum = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyOutbox counts the records of a file and how many of them carry a
// valid checksum. Undecodable lines count as invalid.
func VerifyOutbox(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open outbox: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		total++
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		want := rec.Checksum
		got, err := checksum(rec)
		if err == nil && want != "" && got == want {
			valid++
		}
	}
	if err := sc.Err(); err != nil {
		return total, valid, fmt.Errorf("scan outbox: %w", err)
	}
	return total, valid, nil
}
