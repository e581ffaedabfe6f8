package logsource

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collected struct {
	file string
	line string
}

func collect(t *testing.T, r *Reader) ([]collected, bool) {
	t.Helper()
	var out []collected
	changed := r.Scan(context.Background(), func(file, line string) bool {
		out = append(out, collected{file, line})
		return true
	})
	return out, changed
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func lines(cs []collected) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.line
	}
	return out
}

func TestReader_FilesOrdersArchivesFirst(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"IntuneManagementExtension.log",
		"IntuneManagementExtension-20240102-101010.log",
		"AppWorkload.log",
		"unrelated.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	r := NewReader(dir, []string{"IntuneManagementExtension-*.log", "IntuneManagementExtension.log", "AppWorkload*.log"}, nil)
	names, err := r.Files()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"AppWorkload.log",
		"IntuneManagementExtension-20240102-101010.log",
		"IntuneManagementExtension.log",
	}, names)
}

func TestReader_IncrementalReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IntuneManagementExtension.log")
	appendFile(t, path, "one\r\ntwo\n")

	r := NewReader(dir, []string{"IntuneManagementExtension.log"}, nil)
	got, changed := collect(t, r)
	assert.True(t, changed)
	assert.Equal(t, []string{"one", "two"}, lines(got))

	got, changed = collect(t, r)
	assert.False(t, changed)
	assert.Empty(t, got)

	appendFile(t, path, "three\n")
	got, _ = collect(t, r)
	assert.Equal(t, []string{"three"}, lines(got))
	assert.Equal(t, int64(len("one\r\ntwo\nthree\n")), r.Offsets()["IntuneManagementExtension.log"].Offset)
}

func TestReader_PartialLineWaitsForNewline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	appendFile(t, path, "complete\npart")

	r := NewReader(dir, []string{"*.log"}, nil)
	got, _ := collect(t, r)
	assert.Equal(t, []string{"complete"}, lines(got))

	appendFile(t, path, "ial\n")
	got, _ = collect(t, r)
	assert.Equal(t, []string{"partial"}, lines(got))
}

func TestReader_StripsBOM(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "a.log"), "\ufefffirst\nsecond\n")

	got, _ := collect(t, NewReader(dir, []string{"*.log"}, nil))
	assert.Equal(t, []string{"first", "second"}, lines(got))
}

func TestReader_ShrunkFileRestartsFromZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	appendFile(t, path, "old line one\nold line two\n")

	r := NewReader(dir, []string{"*.log"}, nil)
	collect(t, r)

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0644))
	got, changed := collect(t, r)
	assert.True(t, changed)
	assert.Equal(t, []string{"new"}, lines(got))
}

func TestReader_OffsetBeyondLengthIsClamped(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "a.log"), "abc\n")

	r := NewReader(dir, []string{"*.log"}, nil)
	r.SetOffsets(map[string]FileOffset{"a.log": {Offset: 100}})
	got, _ := collect(t, r)
	assert.Empty(t, got)
	assert.Equal(t, int64(4), r.Offsets()["a.log"].Offset)
}

func TestReader_SetOffsetsKeysByBaseName(t *testing.T) {
	r := NewReader(t.TempDir(), nil, nil)
	r.SetOffsets(map[string]FileOffset{filepath.Join("x", "y", "a.log"): {Offset: 3, Size: 9}})
	assert.Equal(t, FileOffset{Offset: 3, Size: 9}, r.Offsets()["a.log"])
}

func TestReader_RotationAdoptsOffset(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "IntuneManagementExtension.log")
	appendFile(t, active, "a\nb\n")

	r := NewReader(dir, []string{"IntuneManagementExtension-*.log", "IntuneManagementExtension.log"}, nil)
	collect(t, r)

	// writer appends one more line, then rotates
	appendFile(t, active, "c\n")
	require.NoError(t, os.Rename(active, filepath.Join(dir, "IntuneManagementExtension-20240101-000000.log")))
	appendFile(t, active, "d\n")

	got, _ := collect(t, r)
	assert.Equal(t, []string{"c", "d"}, lines(got))
	assert.Equal(t, "IntuneManagementExtension-20240101-000000.log", got[0].file)
	assert.Equal(t, "IntuneManagementExtension.log", got[1].file)
}

func TestReader_StopLeavesLineUnconsumed(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "a.log"), "one\ntwo\nthree\n")

	r := NewReader(dir, []string{"*.log"}, nil)
	var seen []string
	r.Scan(context.Background(), func(_, line string) bool {
		if line == "two" {
			return false
		}
		seen = append(seen, line)
		return true
	})
	assert.Equal(t, []string{"one"}, seen)

	got, _ := collect(t, r)
	assert.Equal(t, []string{"two", "three"}, lines(got))
}

func TestReader_PanicRedeliversOnlyLineInFlight(t *testing.T) {
	dir := t.TempDir()
	appendFile(t, filepath.Join(dir, "a.log"), "one\ntwo\nthree\n")

	r := NewReader(dir, []string{"*.log"}, nil)
	func() {
		defer func() { _ = recover() }()
		r.Scan(context.Background(), func(_, line string) bool {
			if line == "two" {
				panic("handler failed")
			}
			return true
		})
	}()
	assert.Equal(t, int64(len("one\n")), r.Offsets()["a.log"].Offset)

	got, _ := collect(t, r)
	assert.Equal(t, []string{"two", "three"}, lines(got))
}

func TestReader_MissingDirIsNotFatal(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "missing"), []string{"*.log"}, nil)
	got, changed := collect(t, r)
	assert.Empty(t, got)
	assert.False(t, changed)
}

// Reading a log in arbitrary chunks yields the same line sequence as one pass.
func TestReader_ChunkedEquivalence(t *testing.T) {
	content := "alpha\nbeta\r\ngamma\ndelta\nepsilon\n"

	whole := t.TempDir()
	appendFile(t, filepath.Join(whole, "a.log"), content)
	want, _ := collect(t, NewReader(whole, []string{"*.log"}, nil))

	for _, chunk := range []int{1, 3, 7, 11} {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.log")
		require.NoError(t, os.WriteFile(path, nil, 0644))
		r := NewReader(dir, []string{"*.log"}, nil)

		var got []collected
		for i := 0; i < len(content); i += chunk {
			end := i + chunk
			if end > len(content) {
				end = len(content)
			}
			appendFile(t, path, content[i:end])
			part, _ := collect(t, r)
			got = append(got, part...)
		}
		assert.Equal(t, lines(want), lines(got), "chunk size %d", chunk)
		assert.Equal(t, strings.Count(content, "\n"), len(got))
	}
}
