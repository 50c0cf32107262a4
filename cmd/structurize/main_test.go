// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var kernelsFile = filepath.Join("..", "..", "services", "structurizer", "cfgio", "testdata", "kernels.yaml")

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestEmit_Text(t *testing.T) {
	out, _, err := runCLI(t, "emit", kernelsFile)
	require.NoError(t, err)

	selectAt := strings.Index(out, "; method select\n")
	countAt := strings.Index(out, "; method count\n")
	dispatchAt := strings.Index(out, "; method dispatch\n")
	require.True(t, selectAt >= 0 && countAt >= 0 && dispatchAt >= 0, out)
	assert.True(t, selectAt < countAt && countAt < dispatchAt, "listings follow file order")
	assert.Contains(t, out, "OpSwitch")
}

func TestEmit_JSONSingleMethod(t *testing.T) {
	out, _, err := runCLI(t, "emit", kernelsFile, "--method", "count", "--json")
	require.NoError(t, err)

	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "count", records[0]["method"])
	assert.Contains(t, records[0]["listing"], "OpLoopMerge")
	assert.NotContains(t, records[0], "error")
}

func TestEmit_UnknownMethod(t *testing.T) {
	_, _, err := runCLI(t, "emit", kernelsFile, "--method", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no method named "nope"`)
}

func TestCheck(t *testing.T) {
	out, _, err := runCLI(t, "check", kernelsFile)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "select")
	assert.Contains(t, lines[0], "merges=1")
	assert.Contains(t, lines[1], "loops=1 max_depth=1")
}

func TestCheck_ReportsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
methods:
  - name: tangle
    values: [{name: c, kind: bool}]
    blocks:
      - {name: Entry, terminator: {if: {cond: c, true: X, false: Y}}}
      - {name: X, terminator: {fallthrough: Y}}
      - {name: Y, terminator: {fallthrough: X}}
`), 0o600))

	out, _, err := runCLI(t, "check", path)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "irreducible")
}

func TestRoot_ConfigAndLogLevel(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "structurizer.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  format: json\n"), 0o600))

	_, stderr, err := runCLI(t, "--config", cfgPath, "--log-level", "debug", "emit", kernelsFile, "--method", "select")
	require.NoError(t, err)
	assert.Contains(t, stderr, `"msg":"method structured"`)

	_, _, err = runCLI(t, "--log-level", "loud", "check", kernelsFile)
	assert.Error(t, err)
}

func TestWatchFile_Debounces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "methods.yaml")
	require.NoError(t, os.WriteFile(path, []byte("methods: []\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, 50*time.Millisecond, func() { calls.Add(1) })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("methods: []\n# edit\n"), 0o600))
	}
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// Changes to other files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), nil, 0o600))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchFile did not return after cancel")
	}
}
