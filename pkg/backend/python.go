/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"os/exec"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/containerd/log"
	"github.com/pkg/errors"

	"github.com/folderindex/folderd/pkg/errdefs"
	"github.com/folderindex/folderd/pkg/fmdm"
)

// PythonBackend drives GPU models through a sentence-transformers bridge:
// a python child process speaking JSON-RPC 2.0 over stdio lines. The
// process is spawned on first use and reaped on Close.
type PythonBackend struct {
	command string
	script  string
	// hfIDs maps a bare model name to its huggingface id from the
	// curated catalog.
	hfIDs map[string]string

	// mu serializes the whole request/response exchange: the bridge
	// answers in order, one outstanding call at a time.
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner
	nextID uint64
}

type PythonOptions struct {
	Command string
	Script  string
	HFIDs   map[string]string
}

func NewPythonBackend(opts PythonOptions) *PythonBackend {
	return &PythonBackend{
		command: opts.Command,
		script:  opts.Script,
		hfIDs:   opts.HFIDs,
	}
}

func (b *PythonBackend) Type() fmdm.ModelType {
	return fmdm.ModelTypeGPU
}

func (b *PythonBackend) hfID(modelID string) (string, error) {
	_, name, err := SplitModelID(modelID)
	if err != nil {
		return "", err
	}
	if id, ok := b.hfIDs[name]; ok {
		return id, nil
	}
	return "", errors.Wrapf(errdefs.ErrNotFound, "no huggingface id known for model %s", modelID)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ensure spawns the bridge and waits for a successful health_check. Called
// with b.mu held.
func (b *PythonBackend) ensure(ctx context.Context) error {
	if b.cmd != nil && b.cmd.ProcessState == nil {
		return nil
	}
	if b.script == "" {
		return errors.Wrap(errdefs.ErrUnavailable, "python bridge script not configured")
	}

	cmd := exec.Command(b.command, b.script)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "open bridge stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "open bridge stdout")
	}
	// The bridge logs to stderr so stdout stays pure JSON-RPC.
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start python bridge %s %s", b.command, b.script)
	}
	log.G(ctx).Infof("started python bridge pid %d", cmd.Process.Pid)

	b.cmd = cmd
	b.stdin = json.NewEncoder(stdin)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	b.stdout = scanner

	// Startup handshake: the bridge needs a moment to import torch.
	err = retry.Do(
		func() error {
			_, err := b.call(ctx, "health_check", map[string]interface{}{})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		b.reap()
		return errors.Wrap(err, "python bridge handshake")
	}
	return nil
}

// call performs one JSON-RPC exchange. Called with b.mu held.
func (b *PythonBackend) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, error) {
	b.nextID++
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      b.nextID,
		Method:  method,
		Params:  []interface{}{params},
	}
	if err := b.stdin.Encode(&req); err != nil {
		return nil, errors.Wrapf(err, "send %s to python bridge", method)
	}

	for b.stdout.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := b.stdout.Bytes()
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.G(ctx).Warnf("skipping non-rpc bridge output: %.120s", line)
			continue
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return nil, errors.Errorf("python bridge %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
	if err := b.stdout.Err(); err != nil {
		return nil, errors.Wrapf(err, "read python bridge response to %s", method)
	}
	return nil, errors.Wrapf(errdefs.ErrUnavailable, "python bridge closed during %s", method)
}

func (b *PythonBackend) Pull(ctx context.Context, modelID string) error {
	hf, err := b.hfID(modelID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensure(ctx); err != nil {
		return err
	}

	raw, err := b.call(ctx, "download_model", map[string]interface{}{"model_name": hf})
	if err != nil {
		return err
	}
	var result struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return errors.Wrapf(err, "decode download_model result for %s", modelID)
	}
	if !result.Success {
		if result.Error == "" {
			result.Error = "download failed"
		}
		return errors.Errorf("download model %s: %s", modelID, result.Error)
	}
	return nil
}

func (b *PythonBackend) Installed(ctx context.Context, modelID string) (bool, error) {
	hf, err := b.hfID(modelID)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensure(ctx); err != nil {
		return false, err
	}

	raw, err := b.call(ctx, "is_model_cached", map[string]interface{}{"model_name": hf})
	if err != nil {
		return false, err
	}
	var result struct {
		Cached bool `json:"cached"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, errors.Wrapf(err, "decode is_model_cached result for %s", modelID)
	}
	return result.Cached, nil
}

// Close asks the bridge to shut down and reaps the child. A wedged bridge
// is killed after a short wait.
func (b *PythonBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cmd == nil || b.cmd.ProcessState != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.call(ctx, "shutdown", map[string]interface{}{"timeout_seconds": 5}); err != nil {
		log.L.WithError(err).Warn("python bridge shutdown request failed")
	}

	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.L.Warnf("python bridge pid %d did not exit, killing", b.cmd.Process.Pid)
		b.reap()
	}
	b.cmd = nil
	return nil
}

// reap force-kills the child. Called with b.mu held.
func (b *PythonBackend) reap() {
	if b.cmd != nil && b.cmd.Process != nil {
		b.cmd.Process.Kill()
		b.cmd.Wait()
	}
	b.cmd = nil
}
