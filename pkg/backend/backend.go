/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package backend provides the model providers the download manager
// dispatches to. Each curated model id carries a prefix naming its
// provider: "cpu:" models are ONNX archives fetched over HTTP, "gpu:"
// models go through the python bridge, "ollama:" models through a local
// ollama server.
package backend

import (
	"context"
	"strings"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
)

// ModelBackend installs curated models and reports their cache state.
// Pull blocks until the model is on disk or the context is done; it is
// called with at most one download in flight per backend.
type ModelBackend interface {
	Type() fmdm.ModelType
	Pull(ctx context.Context, modelID string) error
	Installed(ctx context.Context, modelID string) (bool, error)
	Close() error
}

// Resolver maps a model id prefix to its backend. The mapping is fixed at
// construction; no runtime type sniffing.
type Resolver struct {
	backends map[fmdm.ModelType]ModelBackend
}

func NewResolver(backends ...ModelBackend) *Resolver {
	m := make(map[fmdm.ModelType]ModelBackend, len(backends))
	for _, b := range backends {
		m[b.Type()] = b
	}
	return &Resolver{backends: m}
}

// Resolve picks the backend for a model id by its prefix.
func (r *Resolver) Resolve(modelID string) (ModelBackend, error) {
	t, _, err := SplitModelID(modelID)
	if err != nil {
		return nil, err
	}
	b, ok := r.backends[t]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrUnavailable, "no backend for model type %q", t)
	}
	return b, nil
}

// Backends returns every registered backend, for probes and shutdown.
func (r *Resolver) Backends() []ModelBackend {
	out := make([]ModelBackend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// SplitModelID splits "cpu:xenova-e5-small" into its type and bare name.
func SplitModelID(modelID string) (fmdm.ModelType, string, error) {
	prefix, name, found := strings.Cut(modelID, ":")
	if !found || name == "" {
		return "", "", errors.Wrapf(errdefs.ErrInvalidArgument, "model id %q has no type prefix", modelID)
	}
	switch t := fmdm.ModelType(prefix); t {
	case fmdm.ModelTypeCPU, fmdm.ModelTypeGPU, fmdm.ModelTypeOllama:
		return t, name, nil
	default:
		return "", "", errors.Wrapf(errdefs.ErrInvalidArgument, "unknown model type prefix %q", prefix)
	}
}

// newRetryHTTPClient builds the retrying client shared by the HTTP
// backends, with the library's chatty default logger silenced.
func newRetryHTTPClient() *retryablehttp.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.Logger = nil
	return retryClient
}
