package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keyrail/keyrail/internal/llm"
	krotel "github.com/keyrail/keyrail/internal/otel"
	"github.com/keyrail/keyrail/internal/requestctx"
	"github.com/keyrail/keyrail/internal/resolver"
	"github.com/keyrail/keyrail/internal/schema"
	"github.com/keyrail/keyrail/internal/store"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"uptime_seconds":     int(time.Since(s.startTime).Seconds()),
		"tenant_credentials": s.store != nil,
		"strict_tenant_mode": s.cfg.StrictTenantMode,
		"providers":          schema.Providers(),
	})
}

// credentialStore guards admin handlers when tenant credentials are disabled.
func (s *Server) credentialStore(w http.ResponseWriter) (*store.Store, bool) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "credentials_disabled",
			"Tenant credential storage is disabled; set TENANT_CREDENTIALS_ENABLED=true and ENCRYPTION_KEY")
		return nil, false
	}
	return s.store, true
}

type credentialsPutRequest struct {
	Fields map[string]string `json:"fields"`
}

// handleCredentialsPut stores (or replaces) the credential record for one
// (tenant, provider). Validation failures report every problem at once so
// the admin fixes the whole payload in one round trip.
func (s *Server) handleCredentialsPut(w http.ResponseWriter, r *http.Request) {
	st, ok := s.credentialStore(w)
	if !ok {
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")
	provider := schema.Canonicalize(chi.URLParam(r, "provider"))

	var req credentialsPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be JSON with a fields object")
		return
	}

	if err := st.Put(r.Context(), tenantID, provider, req.Fields); err != nil {
		var verr *store.ValidationError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    "validation_failed",
				"provider": verr.Provider,
				"problems": verr.Problems,
			})
		case errors.Is(err, schema.ErrUnknownProvider):
			writeError(w, http.StatusBadRequest, "unknown_provider", err.Error())
		default:
			log.Error().Err(err).Str("tenant_id", tenantID).Str("provider", provider).Msg("storing credentials failed")
			writeError(w, http.StatusInternalServerError, "internal", "Failed to store credentials")
		}
		return
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("provider", provider).
		Func(krotel.LogTraceFields(r.Context())).
		Msg("tenant credentials stored")

	summary, found, err := s.providerSummary(r.Context(), tenantID, provider)
	if err != nil || !found {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "provider": provider})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) providerSummary(ctx context.Context, tenantID, provider string) (*store.Summary, bool, error) {
	summaries, err := s.store.List(ctx, tenantID)
	if err != nil {
		return nil, false, err
	}
	for i := range summaries {
		if summaries[i].Provider == provider {
			return &summaries[i], true, nil
		}
	}
	return nil, false, nil
}

// handleCredentialsList returns masked summaries for every provider the
// tenant has configured. Secret values never appear in the response.
func (s *Server) handleCredentialsList(w http.ResponseWriter, r *http.Request) {
	st, ok := s.credentialStore(w)
	if !ok {
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")

	summaries, err := st.List(r.Context(), tenantID)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("listing credentials failed")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":   tenantID,
		"credentials": summaries,
	})
}

func (s *Server) handleCredentialsGet(w http.ResponseWriter, r *http.Request) {
	_, ok := s.credentialStore(w)
	if !ok {
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")
	provider := schema.Canonicalize(chi.URLParam(r, "provider"))

	summary, found, err := s.providerSummary(r.Context(), tenantID, provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Failed to read credentials")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("No credentials for provider %q", provider))
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleCredentialsDelete removes the record. Deleting an absent record is
// 404, deleting an existing one 204; both leave the same end state.
func (s *Server) handleCredentialsDelete(w http.ResponseWriter, r *http.Request) {
	st, ok := s.credentialStore(w)
	if !ok {
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")
	provider := schema.Canonicalize(chi.URLParam(r, "provider"))

	deleted, err := st.Delete(r.Context(), tenantID, provider)
	if err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("provider", provider).Msg("deleting credentials failed")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to delete credentials")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("No credentials for provider %q", provider))
		return
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("provider", provider).
		Func(krotel.LogTraceFields(r.Context())).
		Msg("tenant credentials deleted")
	w.WriteHeader(http.StatusNoContent)
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Provider    string        `json:"provider,omitempty"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())

	var req chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be valid JSON")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "model and messages are required")
		return
	}

	messages := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	llmReq := &llm.Request{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.Stream {
		s.streamChatCompletions(w, r, tenantID, req.Provider, llmReq)
		return
	}

	resp, err := s.engine.Complete(r.Context(), tenantID, req.Provider, llmReq)
	if err != nil {
		s.writeDispatchError(w, r, tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            "cmpl-" + uuid.NewString(),
		"model":         resp.Model,
		"content":       resp.Content,
		"finish_reason": resp.FinishReason,
		"usage": map[string]int{
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
	})
}

// streamChatCompletions relays provider chunks as SSE events in arrival
// order. Once the response status is committed a mid-stream failure can only
// be reported as a terminal error event.
func (s *Server) streamChatCompletions(w http.ResponseWriter, r *http.Request, tenantID, providerOverride string, req *llm.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "Streaming unsupported by connection")
		return
	}

	stream, err := s.engine.Stream(r.Context(), tenantID, providerOverride, req)
	if err != nil {
		s.writeDispatchError(w, r, tenantID, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := func(v interface{}) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Warn().Err(err).
				Str("tenant_id", tenantID).
				Str("api_key", requestctx.KeyPreview(r.Context())).
				Msg("stream aborted mid-flight")
			enc(map[string]string{"error": "stream_failed", "message": publicDispatchMessage(err)})
			return
		}

		event := map[string]interface{}{"delta": chunk.Delta}
		if chunk.FinishReason != "" {
			event["finish_reason"] = chunk.FinishReason
		}
		if chunk.Usage != nil {
			event["usage"] = map[string]int{
				"input_tokens":  chunk.Usage.InputTokens,
				"output_tokens": chunk.Usage.OutputTokens,
			}
		}
		enc(event)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

type embeddingsRequest struct {
	Model    string   `json:"model"`
	Provider string   `json:"provider,omitempty"`
	Input    []string `json:"input"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	tenantID := requestctx.TenantID(r.Context())

	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Request body must be valid JSON")
		return
	}
	if req.Model == "" || len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "model and input are required")
		return
	}

	resp, err := s.engine.Embed(r.Context(), tenantID, req.Provider, &llm.EmbedRequest{Model: req.Model, Input: req.Input})
	if err != nil {
		s.writeDispatchError(w, r, tenantID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":         "emb-" + uuid.NewString(),
		"model":      resp.Model,
		"embeddings": resp.Embeddings,
		"usage":      map[string]int{"input_tokens": resp.InputTokens},
	})
}

// writeDispatchError maps dispatch failures to HTTP responses. Upstream
// provider failures become 502/429 so callers can tell a keyrail problem
// from a provider problem; credential misconfiguration gets 422 with the
// remediation endpoint in the message.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, tenantID string, err error) {
	var ncErr *resolver.NotConfiguredError
	var perr *llm.ProviderError

	switch {
	case errors.As(err, &ncErr):
		writeError(w, http.StatusUnprocessableEntity, "credentials_not_configured", ncErr.Error())
	case errors.Is(err, llm.ErrUnknownModel),
		errors.Is(err, llm.ErrProviderNotAvailable),
		errors.Is(err, llm.ErrStreamingNotSupported),
		errors.Is(err, llm.ErrEmbeddingsNotSupported),
		errors.Is(err, schema.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &perr):
		status := http.StatusBadGateway
		switch perr.Kind {
		case llm.KindBadRequest:
			status = http.StatusBadRequest
		case llm.KindRateLimit:
			status = http.StatusTooManyRequests
		}
		writeError(w, status, string(perr.Kind), publicDispatchMessage(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "Provider call timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		log.Error().Err(err).Str("tenant_id", tenantID).Func(krotel.LogTraceFields(r.Context())).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "internal", "Dispatch failed")
	}
}

// publicDispatchMessage strips nothing today but is the single place to
// sanitize provider messages before they leave the service.
func publicDispatchMessage(err error) string {
	var perr *llm.ProviderError
	if errors.As(err, &perr) {
		return fmt.Sprintf("%s upstream error: %s", perr.Provider, perr.Message)
	}
	return err.Error()
}
