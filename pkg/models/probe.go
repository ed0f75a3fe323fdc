/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package models

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/golang/groupcache/lru"
	"golang.org/x/sync/singleflight"

	"github.com/folderindex/folderd/pkg/backend"
	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/store"
)

const probeCacheTTL = 30 * time.Second

type probeResult struct {
	installed bool
	checkedAt time.Time
}

// Prober asks the backends which curated models are on disk. Probes are
// deduplicated per model and their results cached briefly: the python
// bridge and ollama round-trips are not free, and every connecting client
// triggers a models.list.
type Prober struct {
	catalog  *Catalog
	resolver *backend.Resolver
	state    *State

	sg    singleflight.Group
	mu    sync.Mutex
	cache *lru.Cache
}

func NewProber(catalog *Catalog, resolver *backend.Resolver, state *State) *Prober {
	return &Prober{
		catalog:  catalog,
		resolver: resolver,
		state:    state,
		cache:    lru.New(64),
	}
}

// Installed probes one model, through the cache and the single-flight
// group.
func (p *Prober) Installed(ctx context.Context, modelID string) (bool, error) {
	p.mu.Lock()
	if v, ok := p.cache.Get(modelID); ok {
		r := v.(probeResult)
		if time.Since(r.checkedAt) < probeCacheTTL {
			p.mu.Unlock()
			return r.installed, nil
		}
	}
	p.mu.Unlock()

	v, err, _ := p.sg.Do(modelID, func() (interface{}, error) {
		b, err := p.resolver.Resolve(modelID)
		if err != nil {
			return false, err
		}
		installed, err := b.Installed(ctx, modelID)
		if err != nil {
			return false, err
		}
		p.mu.Lock()
		p.cache.Add(modelID, probeResult{installed: installed, checkedAt: time.Now()})
		p.mu.Unlock()
		return installed, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Invalidate drops the cached probe for a model, forcing the next
// Installed call to hit the backend. Called after downloads finish.
func (p *Prober) Invalidate(modelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(modelID)
}

// CheckAll probes every curated model and returns the resulting curated
// list plus a per-backend-class health summary (ok, degraded or failed).
// Persisted records fill in lastChecked history and the last download
// error; a probe failure falls back to the persisted installed hint.
func (p *Prober) CheckAll(ctx context.Context) ([]fmdm.CuratedModelInfo, map[string]string) {
	recovered, err := p.state.Recover(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("recover persisted model states")
		recovered = map[string]store.ModelState{}
	}

	classTotal := map[fmdm.ModelType]int{}
	classFailed := map[fmdm.ModelType]int{}

	infos := make([]fmdm.CuratedModelInfo, 0, len(p.catalog.Entries()))
	for _, entry := range p.catalog.Entries() {
		t := entry.Type()
		classTotal[t]++

		info := fmdm.CuratedModelInfo{
			ID:   entry.ID,
			Type: t,
		}
		if prev, ok := recovered[entry.ID]; ok {
			info.DownloadError = prev.DownloadError
			info.LastChecked = prev.LastChecked
		}

		installed, err := p.Installed(ctx, entry.ID)
		if err != nil {
			classFailed[t]++
			log.G(ctx).WithError(err).Debugf("probe %s, falling back to persisted state", entry.ID)
			if prev, ok := recovered[entry.ID]; ok {
				installed = prev.Installed
			}
		} else {
			info.LastChecked = time.Now()
			if stateErr := p.state.MarkChecked(ctx, entry.ID, installed); stateErr != nil {
				log.G(ctx).WithError(stateErr).Debugf("persist check for %s", entry.ID)
			}
		}

		info.Installed = installed
		if installed {
			info.DownloadProgress = 100
			info.DownloadError = ""
		}
		infos = append(infos, info)
	}

	checkStatus := make(map[string]string, len(classTotal))
	for t, total := range classTotal {
		switch failed := classFailed[t]; {
		case failed == 0:
			checkStatus[string(t)] = "ok"
		case failed < total:
			checkStatus[string(t)] = "degraded"
		default:
			checkStatus[string(t)] = "failed"
		}
	}
	return infos, checkStatus
}
