/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/containerd/log"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
)

// completeMarker flags a fully downloaded model directory. A crash mid
// download leaves the directory without the marker and the next pull
// starts over.
const completeMarker = ".complete"

// ONNXBackend fetches quantized CPU models over HTTP into the local model
// cache. Installed state is purely the on-disk cache.
type ONNXBackend struct {
	baseURL  string
	cacheDir string
	// artifacts maps a bare model name to the archive path below baseURL,
	// taken from the curated catalog.
	artifacts map[string]string
	client    *retryablehttp.Client
}

type ONNXOptions struct {
	BaseURL   string
	CacheDir  string
	Artifacts map[string]string
}

func NewONNXBackend(opts ONNXOptions) *ONNXBackend {
	return &ONNXBackend{
		baseURL:   opts.BaseURL,
		cacheDir:  opts.CacheDir,
		artifacts: opts.Artifacts,
		client:    newRetryHTTPClient(),
	}
}

func (b *ONNXBackend) Type() fmdm.ModelType {
	return fmdm.ModelTypeCPU
}

func (b *ONNXBackend) modelDir(name string) string {
	return filepath.Join(b.cacheDir, string(fmdm.ModelTypeCPU), name)
}

func (b *ONNXBackend) Installed(_ context.Context, modelID string) (bool, error) {
	_, name, err := SplitModelID(modelID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(b.modelDir(name), completeMarker)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat model cache for %s", modelID)
	}
	return true, nil
}

func (b *ONNXBackend) Pull(ctx context.Context, modelID string) error {
	_, name, err := SplitModelID(modelID)
	if err != nil {
		return err
	}
	artifact, ok := b.artifacts[name]
	if !ok {
		return errors.Wrapf(errdefs.ErrNotFound, "no artifact known for model %s", modelID)
	}

	dir := b.modelDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create model dir %s", dir)
	}

	url := b.baseURL + "/" + artifact
	log.G(ctx).Infof("fetching ONNX model %s from %s", modelID, url)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "build request for %s", url)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	// Stream into a temp file in the target directory, rename into place,
	// then drop the marker. Readers only trust marked directories.
	target := filepath.Join(dir, filepath.Base(artifact))
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file in %s", dir)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "stream model %s", modelID)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close temp file for %s", modelID)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return errors.Wrapf(err, "move model %s into place", modelID)
	}
	if err := os.WriteFile(filepath.Join(dir, completeMarker), nil, 0644); err != nil {
		return errors.Wrapf(err, "mark model %s complete", modelID)
	}
	return nil
}

func (b *ONNXBackend) Close() error {
	return nil
}
