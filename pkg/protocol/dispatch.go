/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/containerd/log"

	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
	"github.com/folderindex/folderd/pkg/metrics/data"
)

// Handler is the daemon-side surface the dispatcher routes requests to.
// InitClient is called once per session when connection.init arrives; the
// transport layer uses it to mark the session initialized and schedule
// the initial snapshot push.
type Handler interface {
	InitClient(clientID string, clientType fmdm.ClientType)
	ValidateFolder(path string) lifecycle.ValidationResult
	AddFolder(path, model string) error
	RemoveFolder(path string) error
	ListModels() ModelsList
}

// Dispatcher decodes inbound frames and produces the replies to write
// back, in order. It never closes the session: malformed traffic earns an
// error reply and the connection stays usable.
type Dispatcher struct {
	handler Handler
}

func NewDispatcher(handler Handler) *Dispatcher {
	return &Dispatcher{handler: handler}
}

// Dispatch handles one inbound frame from clientID and returns the
// messages to send back on that session.
func (d *Dispatcher) Dispatch(clientID string, raw []byte) []interface{} {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return d.fail("", "malformed message: "+err.Error(), CodeMalformedJSON)
	}

	switch env.Type {
	case TypeConnectionInit:
		return d.handleInit(clientID, env)
	case TypeFolderValidate, TypeFolderAdd, TypeFolderRemove, TypePing, TypeModelsList:
		if env.ID == "" {
			return d.fail("", env.Type+" requires an id", CodeMissingID)
		}
		return d.handleRequest(clientID, env)
	default:
		return d.fail(env.ID, "unknown message type: "+env.Type, CodeUnknownType)
	}
}

func (d *Dispatcher) handleInit(clientID string, env Envelope) (replies []interface{}) {
	defer d.recoverInto(clientID, env, &replies)

	var payload initPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return d.fail(env.ID, "malformed connection.init payload", CodeInvalidPayload)
		}
	}
	clientType, ok := parseClientType(payload.ClientType)
	if !ok {
		return d.fail(env.ID, "unknown client type: "+payload.ClientType, CodeUnknownClientType)
	}
	d.handler.InitClient(clientID, clientType)
	return []interface{}{NewConnectionAck(clientID)}
}

func (d *Dispatcher) handleRequest(clientID string, env Envelope) (replies []interface{}) {
	defer d.recoverInto(clientID, env, &replies)

	switch env.Type {
	case TypePing:
		return []interface{}{NewPong(env.ID)}

	case TypeModelsList:
		return []interface{}{NewModelsListResponse(env.ID, d.handler.ListModels())}

	case TypeFolderValidate:
		var payload pathPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Path == "" {
			return d.fail(env.ID, "folder.validate requires payload.path", CodeInvalidPayload)
		}
		return []interface{}{NewValidationResponse(env.ID, d.handler.ValidateFolder(payload.Path))}

	case TypeFolderAdd:
		var payload addPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Path == "" {
			return d.fail(env.ID, "folder.add requires payload.path", CodeInvalidPayload)
		}
		return []interface{}{NewActionResponse(env.ID, d.handler.AddFolder(payload.Path, payload.Model))}

	case TypeFolderRemove:
		var payload pathPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.Path == "" {
			return d.fail(env.ID, "folder.remove requires payload.path", CodeInvalidPayload)
		}
		return []interface{}{NewActionResponse(env.ID, d.handler.RemoveFolder(payload.Path))}
	}
	return d.fail(env.ID, "unknown message type: "+env.Type, CodeUnknownType)
}

// recoverInto turns a handler panic into a correlated error reply so one
// bad request cannot take the session down.
func (d *Dispatcher) recoverInto(clientID string, env Envelope, replies *[]interface{}) {
	if r := recover(); r != nil {
		log.L.Errorf("handler panic on %s from client %s: %v", env.Type, clientID, r)
		*replies = d.fail(env.ID, fmt.Sprintf("internal error handling %s", env.Type), CodeInternal)
	}
}

func (d *Dispatcher) fail(id, message, code string) []interface{} {
	data.ProtocolErrorCount.WithLabelValues(code).Inc()
	return []interface{}{NewErrorMessage(id, message, code)}
}
