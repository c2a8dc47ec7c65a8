// Copyright (C) 2026 CTR Lab (dev@ctrlab.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package catalog loads the static domain tables: the weighted persona
// catalog and the per-category CTR calibration table.
//
// Both tables are loaded once at process start, validated, and never
// mutated afterwards. Deployments may override the embedded defaults by
// pointing the loader at YAML files on disk.
package catalog

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// MaxYAMLFileSize caps catalog files at 1MB; anything larger is a
// configuration mistake, not a catalog.
const MaxYAMLFileSize = 1024 * 1024

// DefaultCategory is the catch-all calibration key. The table refuses to
// load without it.
const DefaultCategory = "default"

//go:embed defaults/personas.yaml
var defaultPersonasYAML []byte

//go:embed defaults/calibration.yaml
var defaultCalibrationYAML []byte

// PersonaProfile is one immutable audience archetype.
type PersonaProfile struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Weight      float64  `yaml:"weight" json:"weight"`
	AgeGroups   []string `yaml:"age_groups" json:"age_groups"`
	Genders     []string `yaml:"genders" json:"genders"`
	Interests   string   `yaml:"interests" json:"interests"`
	Categories  []string `yaml:"categories" json:"categories"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Description string   `yaml:"description" json:"description"`
}

// Catalog is the fixed set of personas, in file order. File order matters:
// the sampler breaks score ties by catalog position.
type Catalog struct {
	personas []PersonaProfile
}

// Personas returns the catalog entries in order. Callers must not mutate
// the returned slice.
func (c *Catalog) Personas() []PersonaProfile { return c.personas }

// Len returns the catalog size.
func (c *Catalog) Len() int { return len(c.personas) }

type personaFile struct {
	Personas []PersonaProfile `yaml:"personas"`
}

// LoadPersonas reads a persona catalog from a YAML file. An empty path
// loads the embedded defaults.
func LoadPersonas(path string) (*Catalog, error) {
	data := defaultPersonasYAML
	if path != "" {
		var err error
		data, err = readCapped(path)
		if err != nil {
			return nil, fmt.Errorf("read persona catalog: %w", err)
		}
	}
	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse persona catalog: %w", err)
	}
	if len(file.Personas) == 0 {
		return nil, fmt.Errorf("persona catalog is empty")
	}
	seen := make(map[string]struct{}, len(file.Personas))
	for i, p := range file.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d: missing id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("persona %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Weight <= 0 {
			return nil, fmt.Errorf("persona %q: weight must be > 0, got %v", p.ID, p.Weight)
		}
	}
	slog.Info("loaded persona catalog", "personas", len(file.Personas), "source", sourceName(path))
	return &Catalog{personas: file.Personas}, nil
}

// CalibrationEntry bounds and shrinks the CTR estimate for one category.
type CalibrationEntry struct {
	Min    float64 `yaml:"min" json:"min"`
	Max    float64 `yaml:"max" json:"max"`
	Prior  float64 `yaml:"prior" json:"prior"`
	Shrink float64 `yaml:"shrink" json:"shrink"`
}

// CalibrationTable maps categories to their CTR bands. Lookup never fails:
// unknown categories resolve to the default entry.
type CalibrationTable struct {
	entries map[string]CalibrationEntry
}

// Lookup returns the entry for category, falling back to the default.
func (t *CalibrationTable) Lookup(category string) CalibrationEntry {
	if e, ok := t.entries[category]; ok {
		return e
	}
	return t.entries[DefaultCategory]
}

// Has reports whether an explicit (non-default) entry exists.
func (t *CalibrationTable) Has(category string) bool {
	_, ok := t.entries[category]
	return ok
}

// Categories returns all explicit category keys, including the default.
func (t *CalibrationTable) Categories() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	return keys
}

type calibrationFile struct {
	Categories map[string]CalibrationEntry `yaml:"categories"`
}

// LoadCalibration reads the calibration table from a YAML file. An empty
// path loads the embedded defaults.
//
// Invariants enforced on load: 0 <= min < max <= 1, min <= prior <= max,
// 0 <= shrink <= 1, and a "default" entry exists. A missing prior defaults
// to the band midpoint.
func LoadCalibration(path string) (*CalibrationTable, error) {
	data := defaultCalibrationYAML
	if path != "" {
		var err error
		data, err = readCapped(path)
		if err != nil {
			return nil, fmt.Errorf("read calibration table: %w", err)
		}
	}
	var file calibrationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse calibration table: %w", err)
	}
	if len(file.Categories) == 0 {
		return nil, fmt.Errorf("calibration table is empty")
	}
	entries := make(map[string]CalibrationEntry, len(file.Categories))
	for category, e := range file.Categories {
		if e.Min < 0 || e.Max > 1 || e.Min >= e.Max {
			return nil, fmt.Errorf("calibration %q: need 0 <= min < max <= 1, got [%v, %v]", category, e.Min, e.Max)
		}
		if e.Prior == 0 {
			e.Prior = (e.Min + e.Max) / 2
		}
		if e.Prior < e.Min || e.Prior > e.Max {
			return nil, fmt.Errorf("calibration %q: prior %v outside [%v, %v]", category, e.Prior, e.Min, e.Max)
		}
		if e.Shrink < 0 || e.Shrink > 1 {
			return nil, fmt.Errorf("calibration %q: shrink %v outside [0, 1]", category, e.Shrink)
		}
		entries[category] = e
	}
	if _, ok := entries[DefaultCategory]; !ok {
		return nil, fmt.Errorf("calibration table has no %q entry", DefaultCategory)
	}
	slog.Info("loaded calibration table", "categories", len(entries), "source", sourceName(path))
	return &CalibrationTable{entries: entries}, nil
}

func readCapped(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", path, MaxYAMLFileSize)
	}
	return os.ReadFile(path)
}

func sourceName(path string) string {
	if path == "" {
		return "embedded"
	}
	return path
}
