/*
 * Copyright (c) 2025. Folderd Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package protocol defines the JSON messages spoken over the WebSocket
// channel and routes inbound requests to the daemon's handlers.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/folderindex/folderd/pkg/fmdm"
	"github.com/folderindex/folderd/pkg/lifecycle"
	"github.com/folderindex/folderd/pkg/models"
)

// Request message types.
const (
	TypeConnectionInit = "connection.init"
	TypeFolderValidate = "folder.validate"
	TypeFolderAdd      = "folder.add"
	TypeFolderRemove   = "folder.remove"
	TypePing           = "ping"
	TypeModelsList     = "models.list"
)

// Response and push message types.
const (
	TypeConnectionAck      = "connection.ack"
	TypeFMDMUpdate         = "fmdm.update"
	TypeValidationResponse = "validation-response"
	TypeActionResponse     = "action-response"
	TypePong               = "pong"
	TypeModelsListResponse = "models.list.response"
	TypeError              = "error"
	TypeActivityEvent      = "activity.event"
)

// Stable error codes carried by error replies.
const (
	CodeMalformedJSON     = "malformed_json"
	CodeUnknownType       = "unknown_type"
	CodeMissingID         = "missing_id"
	CodeInvalidPayload    = "invalid_payload"
	CodeUnknownClientType = "unknown_client_type"
	CodeInternal          = "internal_error"
)

// Envelope is the inbound frame shape. Payload stays raw until the type
// is known.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type initPayload struct {
	ClientType string `json:"clientType"`
}

type pathPayload struct {
	Path string `json:"path"`
}

type addPayload struct {
	Path  string `json:"path"`
	Model string `json:"model,omitempty"`
}

// ConnectionAck confirms connection.init and hands the client its id.
type ConnectionAck struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
}

func NewConnectionAck(clientID string) ConnectionAck {
	return ConnectionAck{Type: TypeConnectionAck, ClientID: clientID}
}

// FMDMUpdate pushes a full snapshot. Sent after init and on every
// throttled broadcast.
type FMDMUpdate struct {
	Type string         `json:"type"`
	FMDM *fmdm.Snapshot `json:"fmdm"`
}

func NewFMDMUpdate(snapshot *fmdm.Snapshot) FMDMUpdate {
	return FMDMUpdate{Type: TypeFMDMUpdate, FMDM: snapshot}
}

// ValidationResponse answers folder.validate.
type ValidationResponse struct {
	Type     string                      `json:"type"`
	ID       string                      `json:"id"`
	Valid    bool                        `json:"valid"`
	Errors   []lifecycle.ValidationIssue `json:"errors"`
	Warnings []lifecycle.ValidationIssue `json:"warnings"`
}

func NewValidationResponse(id string, result lifecycle.ValidationResult) ValidationResponse {
	resp := ValidationResponse{
		Type:     TypeValidationResponse,
		ID:       id,
		Valid:    result.Valid,
		Errors:   result.Errors,
		Warnings: result.Warnings,
	}
	if resp.Errors == nil {
		resp.Errors = []lifecycle.ValidationIssue{}
	}
	if resp.Warnings == nil {
		resp.Warnings = []lifecycle.ValidationIssue{}
	}
	return resp
}

// ActionResponse answers folder.add and folder.remove.
type ActionResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func NewActionResponse(id string, err error) ActionResponse {
	resp := ActionResponse{Type: TypeActionResponse, ID: id, Success: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// Pong answers ping with the same correlation id.
type Pong struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func NewPong(id string) Pong {
	return Pong{Type: TypePong, ID: id}
}

// ModelStatus is one catalog entry plus its installation state, as served
// by models.list.
type ModelStatus struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName"`
	Dimensions       int      `json:"dimensions,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	Installed        bool     `json:"installed"`
	Downloading      bool     `json:"downloading"`
	DownloadProgress int      `json:"downloadProgress"`
}

// ModelsList is the payload of models.list.response. Backend maps each
// backend class to its last probe status; Cached reports whether the
// installed bits came from the probe cache.
type ModelsList struct {
	Models  []ModelStatus     `json:"models"`
	Backend map[string]string `json:"backend"`
	Cached  bool              `json:"cached"`
}

type ModelsListResponse struct {
	Type string     `json:"type"`
	ID   string     `json:"id"`
	Data ModelsList `json:"data"`
}

func NewModelsListResponse(id string, data ModelsList) ModelsListResponse {
	if data.Models == nil {
		data.Models = []ModelStatus{}
	}
	return ModelsListResponse{Type: TypeModelsListResponse, ID: id, Data: data}
}

// ErrorMessage reports a protocol-level failure. The session stays open;
// ID correlates to the offending request when one was readable.
type ErrorMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewErrorMessage(id, message, code string) ErrorMessage {
	return ErrorMessage{Type: TypeError, ID: id, Message: message, Code: code}
}

type downloadEventData struct {
	ModelName string `json:"modelName"`
	Progress  int    `json:"progress,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DownloadEventMessage wraps a download manager event for broadcast. The
// wire type is the event type itself (model_download_start and friends).
type DownloadEventMessage struct {
	Type string            `json:"type"`
	Data downloadEventData `json:"data"`
}

func NewDownloadEventMessage(event models.DownloadEvent) DownloadEventMessage {
	return DownloadEventMessage{
		Type: string(event.Type),
		Data: downloadEventData{
			ModelName: event.ModelName,
			Progress:  event.Progress,
			Error:     event.Error,
		},
	}
}

type activityData struct {
	Event     string    `json:"event"`
	Path      string    `json:"path,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityEvent announces a notable daemon-side occurrence, such as a
// watcher-triggered rescan.
type ActivityEvent struct {
	Type string       `json:"type"`
	Data activityData `json:"data"`
}

func NewActivityEvent(event, path string) ActivityEvent {
	return ActivityEvent{
		Type: TypeActivityEvent,
		Data: activityData{Event: event, Path: path, Timestamp: time.Now()},
	}
}

func parseClientType(raw string) (fmdm.ClientType, bool) {
	switch fmdm.ClientType(raw) {
	case fmdm.ClientTypeTUI, fmdm.ClientTypeCLI, fmdm.ClientTypeWeb:
		return fmdm.ClientType(raw), true
	}
	return fmdm.ClientTypeUnknown, false
}
