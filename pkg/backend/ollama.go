/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v4"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
)

// OllamaBackend pulls models through a local ollama server. The server
// owns the cache; installed state is whatever /api/tags reports.
type OllamaBackend struct {
	baseURL string
	// names maps a bare model name to the ollama model tag from the
	// curated catalog, e.g. "nomic-embed" -> "nomic-embed-text:latest".
	names  map[string]string
	client *retryablehttp.Client
}

type OllamaOptions struct {
	BaseURL string
	Names   map[string]string
}

func NewOllamaBackend(opts OllamaOptions) *OllamaBackend {
	return &OllamaBackend{
		baseURL: opts.BaseURL,
		names:   opts.Names,
		client:  newRetryHTTPClient(),
	}
}

func (b *OllamaBackend) Type() fmdm.ModelType {
	return fmdm.ModelTypeOllama
}

func (b *OllamaBackend) tag(modelID string) (string, error) {
	_, name, err := SplitModelID(modelID)
	if err != nil {
		return "", err
	}
	if tag, ok := b.names[name]; ok {
		return tag, nil
	}
	return name, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

func (b *OllamaBackend) Installed(ctx context.Context, modelID string) (bool, error) {
	tag, err := b.tag(modelID)
	if err != nil {
		return false, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return false, errors.Wrap(err, "build ollama tags request")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, errors.Wrapf(errdefs.ErrUnavailable, "ollama server at %s: %v", b.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errors.Errorf("ollama tags: unexpected status %d", resp.StatusCode)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, errors.Wrap(err, "decode ollama tags")
	}
	for _, m := range tags.Models {
		if m.Name == tag || m.Model == tag {
			return true, nil
		}
	}
	return false, nil
}

func (b *OllamaBackend) Pull(ctx context.Context, modelID string) error {
	tag, err := b.tag(modelID)
	if err != nil {
		return err
	}

	// Wait for the server before committing to a long pull; an ollama
	// restart should not fail a queued download.
	if err := b.waitReady(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{"name": tag, "stream": false})
	if err != nil {
		return errors.Wrap(err, "marshal ollama pull request")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build ollama pull request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "pull ollama model %s", tag)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("pull ollama model %s: status %d: %s", tag, resp.StatusCode, string(msg))
	}

	var result struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return errors.Wrapf(err, "decode ollama pull response for %s", tag)
	}
	if result.Error != "" {
		return errors.Errorf("pull ollama model %s: %s", tag, result.Error)
	}
	return nil
}

func (b *OllamaBackend) waitReady(ctx context.Context) error {
	return retry.Do(
		func() error {
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := b.client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
}

func (b *OllamaBackend) Close() error {
	return nil
}
