/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folderindex/folderd/pkg/fmdm"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	A := assert.New(t)
	c, err := LoadCatalog()
	require.NoError(t, err)

	A.NotEmpty(c.Entries())
	for _, e := range c.Entries() {
		A.Contains([]fmdm.ModelType{fmdm.ModelTypeCPU, fmdm.ModelTypeGPU, fmdm.ModelTypeOllama}, e.Type())
		A.True(c.Knows(e.ID))
	}

	// Default model must run anywhere: first CPU entry.
	def, ok := c.Get(c.DefaultModel())
	require.True(t, ok)
	A.Equal(fmdm.ModelTypeCPU, def.Type())

	A.False(c.Knows("cpu:never-curated"))
}

func TestCatalogProviderMaps(t *testing.T) {
	A := assert.New(t)
	c, err := LoadCatalog()
	require.NoError(t, err)

	artifacts := c.ONNXArtifacts()
	A.NotEmpty(artifacts)
	for name, url := range artifacts {
		A.NotContains(name, ":")
		A.NotEmpty(url)
	}

	hf := c.HuggingfaceIDs()
	A.NotEmpty(hf)
	A.Equal("BAAI/bge-m3", hf["bge-m3"])

	ollama := c.OllamaNames()
	A.NotEmpty(ollama)
	A.Equal("nomic-embed-text:latest", ollama["nomic-embed-text"])
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	A := assert.New(t)

	_, err := parseCatalog([]byte(`{"cpuModels":{"models":[{"id":"noprefix"}]}}`))
	A.Error(err)

	_, err = parseCatalog([]byte(`{"cpuModels":{"models":[{"id":"cpu:a"},{"id":"cpu:a"}]}}`))
	A.Error(err, "duplicate ids must be rejected")

	_, err = parseCatalog([]byte(`{}`))
	A.Error(err, "empty registry must be rejected")
}
