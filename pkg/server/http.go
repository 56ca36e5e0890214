// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/guidepost-ai/guidepost/pkg/model"
	"github.com/guidepost-ai/guidepost/pkg/pipeline"
)

// turnRequest is the wire form of a turn. Session is addressed either
// by session_id or by (channel, user_channel_id).
type turnRequest struct {
	TenantID      string `json:"tenant_id"`
	AgentID       string `json:"agent_id"`
	SessionID     string `json:"session_id,omitempty"`
	Channel       string `json:"channel,omitempty"`
	UserChannelID string `json:"user_channel_id,omitempty"`
	Message       string `json:"message"`
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *turnRequest) toPipeline(idemKey string) *pipeline.Request {
	return &pipeline.Request{
		TenantID:       t.TenantID,
		AgentID:        t.AgentID,
		SessionID:      t.SessionID,
		Channel:        t.Channel,
		UserChannelID:  t.UserChannelID,
		Message:        t.Message,
		IdempotencyKey: idemKey,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.NewError(model.ErrInvalidRequest, "malformed request body: %v", err))
		return
	}

	result, err := s.pipeline.Load().Process(r.Context(), req.toPipeline(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTurnStream runs the turn to completion and streams the response
// over SSE: "delta" events carry text, a final "result" event carries
// the full turn result. Enforcement sees the whole response before any
// byte is delivered, so delivery streaming is the only kind offered.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, model.NewError(model.ErrInternal, "streaming unsupported by connection"))
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, model.NewError(model.ErrInvalidRequest, "malformed request body: %v", err))
		return
	}

	result, err := s.pipeline.Load().Process(r.Context(), req.toPipeline(r.Header.Get("Idempotency-Key")))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, chunk := range chunkText(result.Response, 64) {
		data, _ := json.Marshal(map[string]string{"text": chunk})
		fmt.Fprintf(w, "event: delta\ndata: %s\n\n", data)
		flusher.Flush()
	}
	data, _ := json.Marshal(result)
	fmt.Fprintf(w, "event: result\ndata: %s\n\n", data)
	flusher.Flush()
}

// chunkText splits s into pieces of at most max bytes, never splitting
// a rune.
func chunkText(s string, max int) []string {
	var out []string
	for len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	var body errorBody
	body.Error.Kind = string(kind)
	body.Error.Message = err.Error()
	writeJSON(w, httpStatus(kind), body)
}

// httpStatus maps typed error kinds onto HTTP status codes.
func httpStatus(kind model.ErrorKind) int {
	switch kind {
	case model.ErrInvalidRequest:
		return http.StatusBadRequest
	case model.ErrNotFound, model.ErrMigrationPlanNotFound, model.ErrMigrationJobNotFound:
		return http.StatusNotFound
	case model.ErrValidation:
		return http.StatusUnprocessableEntity
	case model.ErrConflict, model.ErrMigrationInvalidTransition:
		return http.StatusConflict
	case model.ErrRateLimit:
		return http.StatusTooManyRequests
	case model.ErrRuleViolation, model.ErrToolFailed:
		return http.StatusBadGateway
	case model.ErrLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
