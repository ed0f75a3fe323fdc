/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package registry implements the host-wide daemon discovery registry: a
// single JSON document in the daemon's state directory that doubles as the
// singleton lock. Writers create it with fail-if-exists semantics, readers
// treat it as absent when the recorded pid is gone.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/folderindex/folderd/pkg/errdefs"
)

// Info is the published daemon record.
type Info struct {
	PID       int    `json:"pid"`
	HTTPPort  int    `json:"httpPort"`
	WSPort    int    `json:"wsPort"`
	StartTime string `json:"startTime"`
	Version   string `json:"version"`
}

// NewInfo stamps the current process into a registry record.
func NewInfo(httpPort, wsPort int, version string) *Info {
	return &Info{
		PID:       os.Getpid(),
		HTTPPort:  httpPort,
		WSPort:    wsPort,
		StartTime: time.Now().Format(time.RFC3339),
		Version:   version,
	}
}

type Registry struct {
	path string
}

func New(path string) *Registry {
	return &Registry{path: path}
}

func (r *Registry) Path() string {
	return r.path
}

// Register publishes the current process as the host's daemon. The write is
// create-exclusive, so under a race exactly one registrar wins. A stale
// record left behind by a dead daemon is removed and the write retried
// once; a live record fails with AlreadyRunningError carrying its pid.
func (r *Registry) Register(info *Info) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return errors.Wrapf(err, "create registry dir %s", filepath.Dir(r.path))
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := r.writeExclusive(info)
		if err == nil {
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrapf(err, "write registry file %s", r.path)
		}

		existing, readErr := r.read()
		if readErr != nil {
			// Unreadable entry from a dead or interrupted writer. Drop it
			// and let the retry decide.
			log.L.Warnf("removing unreadable registry entry %s: %v", r.path, readErr)
			os.Remove(r.path)
			continue
		}
		if PidAlive(existing.PID) {
			return &errdefs.AlreadyRunningError{Pid: existing.PID}
		}

		log.L.Infof("removing stale registry entry for dead pid %d", existing.PID)
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove stale registry entry %s", r.path)
		}
	}

	// Lost the race twice in a row. Somebody else is the daemon now.
	if existing, err := r.read(); err == nil {
		return &errdefs.AlreadyRunningError{Pid: existing.PID}
	}
	return errors.Errorf("register daemon at %s: retries exhausted", r.path)
}

// Discover returns the registered daemon, or nil when no live daemon is
// registered. A record whose pid is dead is cleaned up on the way out.
func (r *Registry) Discover() (*Info, error) {
	info, err := r.read()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, nil
		}
		return nil, err
	}
	if !PidAlive(info.PID) {
		log.L.Infof("registry entry pid %d is not alive, cleaning up", info.PID)
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			log.L.WithError(err).Warnf("remove stale registry entry %s", r.path)
		}
		return nil, nil
	}
	return info, nil
}

// Cleanup removes the registry entry if and only if it belongs to the
// current process. Safe to call multiple times and on abnormal exit paths.
func (r *Registry) Cleanup() error {
	info, err := r.read()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	if info.PID != os.Getpid() {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove registry entry %s", r.path)
	}
	return nil
}

func (r *Registry) writeExclusive(info *Info) error {
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		f.Close()
		os.Remove(r.path)
		return errors.Wrap(err, "marshal registry info")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(r.path)
		return errors.Wrap(err, "write registry info")
	}
	return f.Close()
}

func (r *Registry) read() (*Info, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrapf(err, "parse registry file %s", r.path)
	}
	if info.PID <= 0 {
		return nil, errors.Errorf("registry file %s carries invalid pid %d", r.path, info.PID)
	}
	return &info, nil
}

// PidAlive probes a process with a null signal. EPERM still proves the
// process exists, it just belongs to someone else.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// SignalAndWait asks the previously registered daemon to exit: SIGTERM
// first, poll for the grace window, SIGKILL if it lingers, then one stale
// cleanup pass. Used by --restart before registering anew.
func (r *Registry) SignalAndWait(pid int, grace time.Duration) error {
	if !PidAlive(pid) {
		return nil
	}

	log.L.Infof("sending SIGTERM to running daemon pid %d", pid)
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "signal daemon pid %d", pid)
	}

	if WaitForExit(pid, grace) {
		return r.removeEntryFor(pid)
	}

	log.L.Warnf("daemon pid %d did not exit within %s, sending SIGKILL", pid, grace)
	if err := unix.Kill(pid, syscall.SIGKILL); err != nil && err != unix.ESRCH {
		return errors.Wrapf(err, "kill daemon pid %d", pid)
	}
	if !WaitForExit(pid, grace) {
		return errors.Errorf("daemon pid %d survived SIGKILL", pid)
	}
	return r.removeEntryFor(pid)
}

// WaitForExit polls until the pid disappears or the timeout elapses.
func WaitForExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !PidAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !PidAlive(pid)
}

// removeEntryFor drops the registry file when it still names the exited
// pid. A freshly registered successor is left alone.
func (r *Registry) removeEntryFor(pid int) error {
	info, err := r.read()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil
		}
		return err
	}
	if info.PID != pid {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove registry entry %s", r.path)
	}
	return nil
}
