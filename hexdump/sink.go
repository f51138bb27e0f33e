// BSD 3-Clause License
//
// Copyright (c) 2024, Xendit
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package hexdump

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// A Sink receives formatted dump text. Implementations must write each call's text as one
// contiguous unit, so lines from concurrent callers are never interleaved.
type Sink interface {
	Append(text string) error
}

// WriterSink serializes appends to an arbitrary writer, typically the console.
type WriterSink struct {
	writer io.Writer
	mutex  sync.Mutex
}

func NewWriterSink(writer io.Writer) *WriterSink {
	return &WriterSink{writer: writer}
}

func (s *WriterSink) Append(text string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, err := io.WriteString(s.writer, text)
	return err
}

// FileSink is a shared, reference counted handle to an append-only dump file. The handle
// returned by OpenFile holds one reference; every additional user calls Acquire and later
// Release. The file is closed when the last reference is released.
type FileSink struct {
	path  string
	file  *os.File
	refs  int
	mutex sync.Mutex
}

// Open the file at path for appending, creating it if needed. Existing content is kept.
func OpenFile(path string) (*FileSink, error) {
	file, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if openErr != nil {
		return nil, fmt.Errorf("failed to open dump file %v: %w", path, openErr)
	}
	return &FileSink{path: path, file: file, refs: 1}, nil
}

// Append writes text with a single write while holding the sink lock. Once the last
// reference has been released it fails with os.ErrClosed.
func (s *FileSink) Append(text string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return fmt.Errorf("failed to append to dump file %v: %w", s.path, os.ErrClosed)
	}
	if _, err := s.file.WriteString(text); err != nil {
		return fmt.Errorf("failed to append to dump file %v: %w", s.path, err)
	}
	return nil
}

// Acquire adds a reference to the handle and returns it. A handle whose file has already
// been closed cannot be revived; Acquire then fails with os.ErrClosed.
func (s *FileSink) Acquire() (*FileSink, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.file == nil {
		return nil, fmt.Errorf("failed to acquire dump file %v: %w", s.path, os.ErrClosed)
	}
	s.refs++
	return s, nil
}

// Release drops a reference. The call that drops the last one closes the file and returns
// the close error, if any. Releasing more often than acquiring has no further effect.
func (s *FileSink) Release() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.refs == 0 {
		return nil
	}
	s.refs--
	if s.refs > 0 || s.file == nil {
		return nil
	}
	closeErr := s.file.Close()
	s.file = nil
	return closeErr
}

// A Dumper formats chunks and appends the text to each of its sinks in order. A nil
// *Dumper means dumping is disabled.
type Dumper struct {
	sinks []Sink
}

func NewDumper(sinks ...Sink) *Dumper {
	return &Dumper{sinks: sinks}
}

// Dump formats chunk with the given label and appends it to every sink. The first failing
// sink aborts the dump and its error is returned.
func (d *Dumper) Dump(chunk []byte, label string) error {
	if d == nil || len(chunk) == 0 {
		return nil
	}
	text := Format(chunk, label)
	for _, sink := range d.sinks {
		if err := sink.Append(text); err != nil {
			return err
		}
	}
	return nil
}
