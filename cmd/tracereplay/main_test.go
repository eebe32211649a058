package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/getsentry/stacksampler/internal/config"
	"github.com/getsentry/stacksampler/internal/errorutil"
	"github.com/getsentry/stacksampler/internal/session"
	"github.com/getsentry/stacksampler/internal/storageprovider"
	"github.com/getsentry/stacksampler/internal/testutil"
)

const trace = `{"ts": 0, "event": "call", "function": "main", "file": "/srv/app/main.py", "line": 1}
{"ts": 0.002, "event": "call", "function": "work", "file": "/srv/app/work.py", "line": 10}
{"ts": 0.005, "event": "return"}
{"ts": 0.006, "event": "return"}
`

func writeTrace(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkout.trace")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestReplayFile(t *testing.T) {
	ctx := context.Background()
	h, closer, err := storageprovider.Open(ctx, storageprovider.Options{Location: "mem://"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer closer.Close()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	s, err := replayFile(ctx, cfg.Profiler, writeTrace(t, trace), start, h)
	if err != nil {
		t.Fatalf("replayFile() error = %v", err)
	}
	if s.Target != "checkout.trace" {
		t.Fatalf("Target = %q, want %q", s.Target, "checkout.trace")
	}
	if s.SampleCount != 3 {
		t.Fatalf("SampleCount = %d, want 3", s.SampleCount)
	}

	saved, err := session.Load(ctx, h, s.ID)
	if err != nil {
		t.Fatalf("session.Load() error = %v", err)
	}
	if diff := testutil.Diff(saved.FrameRecords, s.FrameRecords); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestReplayFileErrors(t *testing.T) {
	ctx := context.Background()
	h, closer, err := storageprovider.Open(ctx, storageprovider.Options{Location: "mem://"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer closer.Close()

	good := config.Profiler{Interval: time.Millisecond, AsyncMode: "enabled", Thread: "MainThread"}
	tests := []struct {
		name  string
		cfg   config.Profiler
		trace string
		want  error
	}{
		{
			name:  "broken trace",
			cfg:   good,
			trace: `{"ts": 1, "event": "line", "line": 2}` + "\n" + `{"ts": 0, "event": "line", "line": 3}`,
			want:  errorutil.ErrDataIntegrity,
		},
		{
			name: "missing file",
			cfg:  good,
			want: os.ErrNotExist,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.trace")
			if tt.trace != "" {
				path = writeTrace(t, tt.trace)
			}
			_, err := replayFile(ctx, tt.cfg, path, time.Now(), h)
			if !errors.Is(err, tt.want) {
				t.Fatalf("replayFile() error = %v, want %v", err, tt.want)
			}
		})
	}

	bad := good
	bad.AsyncMode = "sometimes"
	if _, err := replayFile(ctx, bad, writeTrace(t, trace), time.Now(), h); err == nil {
		t.Fatal("replayFile() should reject an unknown async mode")
	}
}
