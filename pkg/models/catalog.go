/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package models holds the curated model catalog, the installed-state
// probes and the download manager.
package models

import (
	_ "embed"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/backend"
	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
)

//go:embed curated-models.json
var curatedModelsJSON []byte

// CatalogEntry is one curated model. Exactly one of the provider fields
// is set, matching the id prefix.
type CatalogEntry struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Dimensions  int      `json:"dimensions"`
	Languages   []string `json:"languages"`

	// HuggingfaceID names the sentence-transformers model for gpu: entries.
	HuggingfaceID string `json:"huggingfaceId,omitempty"`
	// URL is the archive path below the ONNX base URL for cpu: entries.
	URL string `json:"url,omitempty"`
	// OllamaID is the ollama tag for ollama: entries.
	OllamaID string `json:"ollamaId,omitempty"`
}

// Type derives the model type from the id prefix.
func (e *CatalogEntry) Type() fmdm.ModelType {
	t, _, err := backend.SplitModelID(e.ID)
	if err != nil {
		return fmdm.ModelType("")
	}
	return t
}

type modelGroup struct {
	Provider string         `json:"provider"`
	Models   []CatalogEntry `json:"models"`
}

type curatedFile struct {
	Version      string     `json:"version"`
	GPUModels    modelGroup `json:"gpuModels"`
	CPUModels    modelGroup `json:"cpuModels"`
	OllamaModels modelGroup `json:"ollamaModels"`
}

// Catalog is the immutable curated model registry, loaded once at boot.
type Catalog struct {
	entries []CatalogEntry
	byID    map[string]CatalogEntry
}

// LoadCatalog parses the embedded curated registry.
func LoadCatalog() (*Catalog, error) {
	return parseCatalog(curatedModelsJSON)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var file curatedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "parse curated models registry")
	}

	c := &Catalog{byID: make(map[string]CatalogEntry)}
	for _, group := range []modelGroup{file.GPUModels, file.CPUModels, file.OllamaModels} {
		for _, entry := range group.Models {
			if _, _, err := backend.SplitModelID(entry.ID); err != nil {
				return nil, errors.Wrapf(err, "curated entry %q", entry.ID)
			}
			if _, dup := c.byID[entry.ID]; dup {
				return nil, errors.Wrapf(errdefs.ErrAlreadyExists, "curated entry %q", entry.ID)
			}
			c.entries = append(c.entries, entry)
			c.byID[entry.ID] = entry
		}
	}
	if len(c.entries) == 0 {
		return nil, errors.New("curated models registry is empty")
	}
	return c, nil
}

// Entries returns all curated models in registry order.
func (c *Catalog) Entries() []CatalogEntry {
	out := make([]CatalogEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Catalog) Get(modelID string) (CatalogEntry, bool) {
	e, ok := c.byID[modelID]
	return e, ok
}

func (c *Catalog) Knows(modelID string) bool {
	_, ok := c.byID[modelID]
	return ok
}

// IDs returns every curated model id in registry order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.entries))
	for _, e := range c.entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// DefaultModel is the first CPU entry: it works on any machine without a
// GPU or a running ollama.
func (c *Catalog) DefaultModel() string {
	for _, e := range c.entries {
		if e.Type() == fmdm.ModelTypeCPU {
			return e.ID
		}
	}
	return c.entries[0].ID
}

// ONNXArtifacts maps bare cpu model names to their archive paths, the
// shape the ONNX backend consumes.
func (c *Catalog) ONNXArtifacts() map[string]string {
	out := make(map[string]string)
	for _, e := range c.entries {
		if e.Type() != fmdm.ModelTypeCPU || e.URL == "" {
			continue
		}
		_, name, _ := backend.SplitModelID(e.ID)
		out[name] = e.URL
	}
	return out
}

// HuggingfaceIDs maps bare gpu model names to huggingface ids for the
// python bridge.
func (c *Catalog) HuggingfaceIDs() map[string]string {
	out := make(map[string]string)
	for _, e := range c.entries {
		if e.Type() != fmdm.ModelTypeGPU || e.HuggingfaceID == "" {
			continue
		}
		_, name, _ := backend.SplitModelID(e.ID)
		out[name] = e.HuggingfaceID
	}
	return out
}

// OllamaNames maps bare ollama model names to their server-side tags.
func (c *Catalog) OllamaNames() map[string]string {
	out := make(map[string]string)
	for _, e := range c.entries {
		if e.Type() != fmdm.ModelTypeOllama || e.OllamaID == "" {
			continue
		}
		_, name, _ := backend.SplitModelID(e.ID)
		out[name] = e.OllamaID
	}
	return out
}
