/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package daemon

import "time"

type EventKind string

const (
	EventStarted        EventKind = "started"
	EventStopped        EventKind = "stopped"
	EventRestarted      EventKind = "restarted"
	EventError          EventKind = "error"
	EventStatusChanged  EventKind = "status-changed"
	EventConfigReloaded EventKind = "config-reloaded"
)

// Event is one daemon lifecycle notification. Consumers that fall behind
// lose intermediate events; the channel never blocks the daemon.
type Event struct {
	Kind      EventKind
	Message   string
	Path      string
	Timestamp time.Time
}

const eventBufferDepth = 16

func (d *Daemon) emitEvent(kind EventKind, message, path string) {
	event := Event{Kind: kind, Message: message, Path: path, Timestamp: time.Now()}
	select {
	case d.events <- event:
	default:
	}
}

// Events exposes the daemon's lifecycle notifications.
func (d *Daemon) Events() <-chan Event {
	return d.events
}
