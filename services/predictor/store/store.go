// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store owns the append-only decision log: one JSON object per
// line, appended for every prediction, point-updated for every user
// choice.
//
// # Durability model
//
// Appends are mutex-serialized and write one complete line per syscall, so
// concurrent predictions never interleave bytes. Point updates rewrite the
// whole file through a temp-file-then-rename sequence: a reader either
// sees the old file or the new one, never a half-written state. The same
// mutex covers appends and rewrites, which is what keeps a prediction
// appended mid-update from being lost - the rewrite can't run while an
// append holds the lock and vice versa.
//
// Malformed lines are tolerated everywhere: skipped when reading, copied
// through verbatim when rewriting. The log stays valid NDJSON after every
// mutation.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ctrlab/copycast/services/predictor/datatypes"
)

// maxLineBytes bounds a single log line during scans. Records are a few KB
// at most; 1MB leaves room without letting a corrupt file eat memory.
const maxLineBytes = 1 << 20

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copycast_store_appends_total",
		Help: "Decision log appends by status",
	}, []string{"status"})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copycast_store_updates_total",
		Help: "Decision log point updates by outcome",
	}, []string{"outcome"})

	skippedLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "copycast_store_skipped_lines_total",
		Help: "Malformed decision log lines skipped during reads",
	})
)

// PendingChoice is a user-choice event whose record id was not found in
// the log at update time. It is parked in a sibling pending file instead
// of being dropped.
type PendingChoice struct {
	LogID         string `json:"log_id"`
	UserFinalText string `json:"user_final_text"`
	Timestamp     int64  `json:"timestamp"`
}

// Store is the durable decision log. Safe for concurrent use.
type Store struct {
	path        string
	pendingPath string

	// mu serializes all writes: appends, rewrites and pending-file
	// appends. Reads take it too, briefly, so a rewrite's rename never
	// races a scan's open.
	mu sync.Mutex

	logger *slog.Logger
}

// New creates a store backed by path, creating parent directories as
// needed. The pending-choice file lives next to the log.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{
		path:        path,
		pendingPath: pendingPathFor(path),
		logger:      slog.Default().With("component", "decision_store"),
	}, nil
}

func pendingPathFor(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_pending" + ext
}

// Path returns the log file path.
func (s *Store) Path() string { return s.path }

// Append writes one record as a single NDJSON line. A failed write is
// retried once before the error is reported; callers treat logging as a
// side effect and still return their primary result.
func (s *Store) Append(rec datatypes.Record) error {
	if err := rec.Valid(); err != nil {
		appendsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("refusing to append invalid record: %w", err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		appendsTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLine(s.path, line); err != nil {
		s.logger.Warn("append failed, retrying once", "log_id", rec.LogID, "error", err)
		if err = s.appendLine(s.path, line); err != nil {
			appendsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("append record %s: %w", rec.LogID, err)
		}
	}
	appendsTotal.WithLabelValues("ok").Inc()
	return nil
}

// appendLine writes line plus newline in one Write call. Callers hold mu.
func (s *Store) appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err = f.Write(buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Records loads every valid record in log order. A missing file is an
// empty store, not an error. Malformed lines are counted and skipped.
func (s *Store) Records() ([]datatypes.Record, error) {
	s.mu.Lock()
	f, err := os.Open(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()

	var records []datatypes.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec datatypes.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			skippedLinesTotal.Inc()
			continue
		}
		if err := rec.Valid(); err != nil {
			skippedLinesTotal.Inc()
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan decision log: %w", err)
	}
	return records, nil
}

// Get returns the record with the given id, if present.
func (s *Store) Get(logID string) (datatypes.Record, bool, error) {
	records, err := s.Records()
	if err != nil {
		return datatypes.Record{}, false, err
	}
	for _, rec := range records {
		if rec.LogID == logID {
			return rec, true, nil
		}
	}
	return datatypes.Record{}, false, nil
}

// UpdateChoice records the user's final choice against an existing record.
//
// The whole file is rewritten to a temp file in the same directory and
// atomically renamed over the original; every line not being modified is
// preserved verbatim, in order. Short codes A/B/C resolve to the stored
// variant texts. The update is idempotent: applying the same choice twice
// leaves the same stored state as applying it once.
//
// When logID is not found the event is appended to the pending file and
// (false, nil) is returned; the caller reports "not updated" rather than
// silently dropping the choice.
func (s *Store) UpdateChoice(logID, choice string) (bool, error) {
	logID = strings.TrimSpace(logID)
	choice = strings.TrimSpace(choice)
	if logID == "" || choice == "" {
		return false, fmt.Errorf("log_id and choice are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.rewriteWithChoice(logID, choice)
	if err != nil {
		s.logger.Warn("point update failed, retrying once", "log_id", logID, "error", err)
		updated, err = s.rewriteWithChoice(logID, choice)
		if err != nil {
			updatesTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("update record %s: %w", logID, err)
		}
	}
	if !updated {
		pending := PendingChoice{
			LogID:         logID,
			UserFinalText: choice,
			Timestamp:     time.Now().UnixMilli(),
		}
		line, merr := json.Marshal(pending)
		if merr != nil {
			return false, fmt.Errorf("marshal pending choice: %w", merr)
		}
		if perr := s.appendLine(s.pendingPath, line); perr != nil {
			updatesTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("record pending choice for %s: %w", logID, perr)
		}
		updatesTotal.WithLabelValues("pending").Inc()
		s.logger.Info("choice parked as pending event", "log_id", logID)
		return false, nil
	}
	updatesTotal.WithLabelValues("ok").Inc()
	return true, nil
}

// rewriteWithChoice performs one temp-file rewrite pass. Callers hold mu.
func (s *Store) rewriteWithChoice(logID, choice string) (bool, error) {
	src, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open decision log: %w", err)
	}
	defer src.Close()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "decisions_*.jsonl.tmp")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	// On any failure below the original file is untouched; only the temp
	// file needs cleaning up.
	defer os.Remove(tmpPath)

	updated := false
	w := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		var rec datatypes.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Corrupt line: preserve verbatim.
			if _, werr := fmt.Fprintln(w, raw); werr != nil {
				tmp.Close()
				return false, fmt.Errorf("write temp file: %w", werr)
			}
			continue
		}
		if !updated && strings.TrimSpace(rec.LogID) == logID {
			rec.UserFinalText = rec.ResolveChoice(choice)
			updated = true
		}
		out, merr := json.Marshal(rec)
		if merr != nil {
			tmp.Close()
			return false, fmt.Errorf("marshal record %s: %w", rec.LogID, merr)
		}
		if _, werr := fmt.Fprintf(w, "%s\n", out); werr != nil {
			tmp.Close()
			return false, fmt.Errorf("write temp file: %w", werr)
		}
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("scan decision log: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}

	if !updated {
		return false, nil
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return false, fmt.Errorf("swap decision log: %w", err)
	}
	return true, nil
}

// PendingChoices returns the parked user-choice events, oldest first.
func (s *Store) PendingChoices() ([]PendingChoice, error) {
	s.mu.Lock()
	f, err := os.Open(s.pendingPath)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open pending log: %w", err)
	}
	defer f.Close()

	var events []PendingChoice
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev PendingChoice
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			skippedLinesTotal.Inc()
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan pending log: %w", err)
	}
	return events, nil
}
