package memdebug

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTracker_Limit(t *testing.T) {
	var log bytes.Buffer
	tr := New(&log, 2)

	if err := tr.Alloc("a"); err != nil {
		t.Fatalf("first Alloc() error = %v", err)
	}
	if err := tr.Alloc("b"); err != nil {
		t.Fatalf("second Alloc() error = %v", err)
	}
	if err := tr.Alloc("c"); !errors.Is(err, ErrLimit) {
		t.Fatalf("third Alloc() error = %v, want ErrLimit", err)
	}
	tr.Free("a")

	if got := tr.Outstanding(); got != 1 {
		t.Errorf("Outstanding() = %d, want 1", got)
	}
	if !strings.Contains(log.String(), "LIMIT c reached memlimit") {
		t.Errorf("log missing limit line: %q", log.String())
	}
}

func TestTracker_NilAcceptsEverything(t *testing.T) {
	var tr *Tracker
	if err := tr.Alloc("x"); err != nil {
		t.Errorf("nil Alloc() error = %v", err)
	}
	tr.Free("x")
	if err := tr.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "mem.log")

	tests := []struct {
		name      string
		env       map[string]string
		wantNil   bool
		wantLimit int64
	}{
		{name: "unset", env: map[string]string{}, wantNil: true},
		{name: "limit only", env: map[string]string{EnvLimit: "3"}, wantLimit: 3},
		{name: "invalid limit ignored", env: map[string]string{EnvLimit: "3x"}, wantLimit: 0},
		{name: "negative limit ignored", env: map[string]string{EnvLimit: "-1"}, wantLimit: 0},
		{name: "log file", env: map[string]string{EnvLogFile: logPath}, wantLimit: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := FromEnv(func(k string) string { return tt.env[k] })
			if err != nil {
				t.Fatalf("FromEnv() error = %v", err)
			}
			if tt.wantNil {
				if tr != nil {
					t.Errorf("FromEnv() = %+v, want nil", tr)
				}
				return
			}
			defer tr.Close()
			if tr.limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", tr.limit, tt.wantLimit)
			}
		})
	}

	tr, err := FromEnv(func(k string) string {
		if k == EnvLogFile {
			return logPath
		}
		return ""
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = tr.Alloc("OperationConfig")
	tr.Free("OperationConfig")
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "MEM alloc(OperationConfig) #1") || !strings.Contains(string(data), "MEM free(OperationConfig) #1") {
		t.Errorf("unexpected log contents %q", data)
	}
}

func TestFromEnv_LogFailureKeepsLimit(t *testing.T) {
	env := map[string]string{
		EnvLogFile: filepath.Join(t.TempDir(), "missing", "mem.log"),
		EnvLimit:   "1",
	}
	tr, err := FromEnv(func(k string) string { return env[k] })
	if err == nil {
		t.Fatal("FromEnv() error = nil, want log file error")
	}
	if tr == nil {
		t.Fatal("FromEnv() tracker = nil, want limited tracker")
	}
	defer tr.Close()

	if err := tr.Alloc("OperationConfig"); err != nil {
		t.Fatalf("first Alloc() error = %v", err)
	}
	if err := tr.Alloc("engine-global"); !errors.Is(err, ErrLimit) {
		t.Errorf("second Alloc() error = %v, want ErrLimit", err)
	}
}
