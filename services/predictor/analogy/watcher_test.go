// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analogy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// ===== Helpers =====

// countingSource counts rebuild attempts via Records calls.
type countingSource struct {
	mu      sync.Mutex
	records []datatypes.Record
	calls   int
}

func (s *countingSource) Records() ([]datatypes.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.records, nil
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func touchLog(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString("{}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// ===== Rebuild on change =====

func TestWatcher_RebuildsAfterLogWrite(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "decisions.jsonl")
	touchLog(t, logPath)

	rec := finalizedRecord("only", variantA, time.Hour)
	emb := newStubEmbedder()
	emb.set(rec.FeatureSentence(), 0)
	src := &countingSource{records: []datatypes.Record{rec}}
	ix := NewIndex(src, emb, Options{})

	w, err := NewWatcher(logPath, ix, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	touchLog(t, logPath)

	require.Eventually(t, func() bool { return ix.Len() == 1 },
		3*time.Second, 20*time.Millisecond,
		"a log write must trigger a rebuild after the debounce window")

	deadlines := emb.seenDeadlines()
	require.NotEmpty(t, deadlines, "watcher rebuilds must embed under a deadline")
	assert.WithinDuration(t, time.Now().Add(RebuildTimeout), deadlines[0], time.Minute)
}

func TestWatcher_IgnoresTempFiles(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "decisions.jsonl")
	touchLog(t, logPath)

	src := &countingSource{}
	ix := NewIndex(src, newStubEmbedder(), Options{})

	w, err := NewWatcher(logPath, ix, 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	touchLog(t, filepath.Join(dir, "decisions_rewrite.jsonl.tmp"))
	touchLog(t, filepath.Join(dir, "unrelated.log"))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, src.callCount(), "sibling files must not trigger rebuilds")
}

// ===== Shutdown =====

// A debounce armed just before shutdown must die with the watcher, not
// fire a rebuild afterwards.
func TestWatcher_StopCancelsPendingRebuild(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "decisions.jsonl")
	touchLog(t, logPath)

	src := &countingSource{}
	ix := NewIndex(src, newStubEmbedder(), Options{})

	w, err := NewWatcher(logPath, ix, 300*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	touchLog(t, logPath)
	w.Stop()

	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, src.callCount(), "no rebuild may run after Stop")
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "decisions.jsonl")
	touchLog(t, logPath)

	ix := NewIndex(&countingSource{}, newStubEmbedder(), Options{})
	w, err := NewWatcher(logPath, ix, 0)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()
}
