// ABOUTME: Tests for the concmark command
// ABOUTME: Runs the command on the shared snapshots and checks the report

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/prateek/concmark/config"
	"github.com/prateek/concmark/trace"
)

var diamond = filepath.Join("..", "..", "testdata", "diamond.json")

func TestRunReport(t *testing.T) {
	t.Setenv(config.EnvVar, "")

	tests := []struct {
		name  string
		args  []string
		wants []string
	}{
		{
			name:  "concurrent",
			args:  []string{"-flags", "--concurrent-marking-tasks=2", diamond},
			wants: []string{"concurrent, 2 tasks", "Marked: 5 of 6 objects", "Background:", "Live bytes by region:"},
		},
		{
			name:  "main thread",
			args:  []string{"-flags", "--no-concurrent-marking --verify-heap", diamond},
			wants: []string{"main thread only", "Marked: 5 of 6 objects", "0 cleared"},
		},
		{
			name:  "weak snapshot",
			args:  []string{"-config", filepath.Join("..", "..", "testdata", "flags.yaml"), filepath.Join("..", "..", "testdata", "weak.json")},
			wants: []string{"Marked: 9 of 11 objects", "1 cleared", "Transitions pruned: 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(tt.args, &out, nil); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			for _, want := range tt.wants {
				if !strings.Contains(out.String(), want) {
					t.Errorf("Expected %q in output:\n%s", want, out.String())
				}
			}
		})
	}
}

// TestRunGoHeapDump marks a heap dump of the test process itself
func TestRunGoHeapDump(t *testing.T) {
	t.Setenv(config.EnvVar, "")

	path := filepath.Join(t.TempDir(), "heap.dump")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating dump file: %v", err)
	}
	debug.WriteHeapDump(f.Fd())
	f.Close()

	var out bytes.Buffer
	if err := run([]string{"-flags", "--concurrent-marking-tasks=2 --verify-heap", path}, &out, nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, want := range []string{"concurrent, 2 tasks", "Marked: "} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected %q in output:\n%s", want, out.String())
		}
	}
}

func TestRunTrace(t *testing.T) {
	t.Setenv(config.EnvVar, "--trace-concurrent-marking")

	var out, traced bytes.Buffer
	if err := run([]string{diamond}, &out, trace.New(&traced)); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(traced.String(), "Marking started") {
		t.Errorf("Expected trace output, got %q", traced.String())
	}
}

func TestRunErrors(t *testing.T) {
	t.Setenv(config.EnvVar, "")

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"no snapshot", nil, errUsage},
		{"unknown option", []string{"-nope", diamond}, errUsage},
		{"bad flags", []string{"-flags", "--concurrent-marking-tasks=0", diamond}, config.ErrInvalidFlags},
		{"missing snapshot", []string{filepath.Join(t.TempDir(), "none.json")}, os.ErrNotExist},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, &bytes.Buffer{}, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"-version"}, &out, nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "concmark 0.") {
		t.Errorf("Expected a version line, got %q", out.String())
	}
}
