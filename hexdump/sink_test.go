package hexdump

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileSinkAppendsAndKeepsExistingContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.log")
	if err := os.WriteFile(path, []byte("previous\n"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := sink.Append("one\n"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Append("two\n"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "previous\none\ntwo\n" {
		t.Errorf("unexpected file content %q", data)
	}
}

func TestOpenFileFailure(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "missing", "dump.log"))
	if err == nil {
		t.Fatal("expected an error for a file in a missing directory")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestFileSinkReferenceCounting(t *testing.T) {
	sink, err := OpenFile(filepath.Join(t.TempDir(), "dump.log"))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	conn, err := sink.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// The connection still holds a reference.
	if err := conn.Append("still open\n"); err != nil {
		t.Fatalf("Append after first release: %v", err)
	}

	if err := conn.Release(); err != nil {
		t.Fatalf("final Release: %v", err)
	}
	if err := conn.Append("too late\n"); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected os.ErrClosed after final release, got %v", err)
	}
	if err := conn.Release(); err != nil {
		t.Errorf("extra Release should be a no-op, got %v", err)
	}
}

func TestFileSinkAcquireAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.log")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	late, err := sink.Acquire()
	if !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected os.ErrClosed from Acquire on a closed file, got %v", err)
	}
	if late != nil {
		t.Errorf("expected no handle from a failed Acquire")
	}
	// A failed Acquire must not leave a reference behind for a later Release to act on.
	if err := sink.Release(); err != nil {
		t.Errorf("Release after failed Acquire should be a no-op, got %v", err)
	}
	if err := sink.Append("too late\n"); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected os.ErrClosed from Append, got %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(content) != 0 {
		t.Errorf("expected empty dump file, got %q", content)
	}
}

func TestFileSinkConcurrentAppendsDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.log")
	sink, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	const writers = 8
	const chunksPerWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			chunk := bytes.Repeat([]byte{byte('A' + w)}, 100)
			label := fmt.Sprintf("[W%d] ", w)
			for i := 0; i < chunksPerWriter; i++ {
				if err := sink.Append(Format(chunk, label)); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if err := sink.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	// 100 bytes render as 7 lines.
	if len(lines) != writers*chunksPerWriter*7 {
		t.Fatalf("got %d lines, want %d", len(lines), writers*chunksPerWriter*7)
	}
	for i := 0; i < len(lines); i += 7 {
		block := lines[i : i+7]
		prefix := block[0][:len("[W0] ")]
		for j, line := range block {
			if !strings.HasPrefix(line, prefix) {
				t.Fatalf("chunk starting at line %d interleaved at line %d: %q", i, i+j, line)
			}
			wantOffset := fmt.Sprintf("%04x  ", j*16)
			if !strings.HasPrefix(line[len(prefix):], wantOffset) {
				t.Fatalf("line %d has wrong offset: %q", i+j, line)
			}
		}
	}
}

func TestDumper(t *testing.T) {
	var console bytes.Buffer
	var file recordingSink
	dumper := NewDumper(NewWriterSink(&console), &file)

	if err := dumper.Dump([]byte("hi"), "> "); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	want := Format([]byte("hi"), "> ")
	if console.String() != want {
		t.Errorf("console got %q, want %q", console.String(), want)
	}
	if len(file.texts) != 1 || file.texts[0] != want {
		t.Errorf("file sink got %q", file.texts)
	}

	file.err = errors.New("disk full")
	if err := dumper.Dump([]byte("x"), "> "); !errors.Is(err, file.err) {
		t.Errorf("expected sink error, got %v", err)
	}

	var disabled *Dumper
	if err := disabled.Dump([]byte("x"), "> "); err != nil {
		t.Errorf("nil dumper should be a no-op, got %v", err)
	}
}

type recordingSink struct {
	texts []string
	err   error
}

func (s *recordingSink) Append(text string) error {
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	return nil
}
