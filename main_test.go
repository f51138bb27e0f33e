package main

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/xendit/hexproxy/hexdump"
)

func TestNewLoggerWritesToGivenSink(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(false, zapcore.AddSync(&buf))
	log.Infow("accepted connection", "conn", "0")
	log.Debugw("hidden below info")
	_ = log.Sync()

	out := buf.String()
	if !strings.Contains(out, "INFO") || !strings.Contains(out, "accepted connection") || !strings.Contains(out, `"conn": "0"`) {
		t.Errorf("unexpected log output %q", out)
	}
	if strings.Contains(out, "hidden below info") {
		t.Errorf("debug line logged without verbose: %q", out)
	}

	buf.Reset()
	verbose := newLogger(true, zapcore.AddSync(&buf))
	verbose.Debugw("shown when verbose")
	if !strings.Contains(buf.String(), "shown when verbose") {
		t.Errorf("debug line missing with verbose: %q", buf.String())
	}
}

func TestLogLinesDoNotSplitConsoleDumps(t *testing.T) {
	var buf bytes.Buffer
	stdout := zapcore.Lock(zapcore.AddSync(&buf))
	log := newLogger(false, stdout)
	dumper := hexdump.NewDumper(hexdump.NewWriterSink(stdout))

	chunk := bytes.Repeat([]byte("0123456789"), 10)
	label := hexdump.Label(clientSide, serverSide)
	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			if err := dumper.Dump(chunk, label); err != nil {
				t.Errorf("Dump: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			log.Infow("connection closed", "conn", i)
		}
	}()
	wg.Wait()

	out := buf.String()
	if got := strings.Count(out, hexdump.Format(chunk, label)); got != rounds {
		t.Errorf("found %d intact dumps, want %d", got, rounds)
	}
	if got := strings.Count(out, "connection closed"); got != rounds {
		t.Errorf("found %d log lines, want %d", got, rounds)
	}
}
