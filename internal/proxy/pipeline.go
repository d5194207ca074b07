// Package proxy implements the chat-completions hot path: request
// sanitation, context transforms, provider routing, upstream
// streaming, usage extraction and metric/WS telemetry.
package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/hub"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
	"github.com/ki2pixel/kimiproxy/internal/masking"
	"github.com/ki2pixel/kimiproxy/internal/pruning"
	"github.com/ki2pixel/kimiproxy/internal/router"
	"github.com/ki2pixel/kimiproxy/internal/session"
	"github.com/ki2pixel/kimiproxy/internal/store"
	"github.com/ki2pixel/kimiproxy/internal/tokens"
	"github.com/ki2pixel/kimiproxy/internal/upstream"
)

// Pipeline orchestrates one chat request end to end.
type Pipeline struct {
	cfg       *config.Config
	router    *router.Router
	store     *store.Store
	hub       *hub.Hub
	pruner    *pruning.Client
	sanitizer *Sanitizer

	clientsMu sync.Mutex
	clients   map[string]*upstream.Client
}

// New creates a pipeline over the shared singletons.
func New(cfg *config.Config, rt *router.Router, st *store.Store, h *hub.Hub) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		router:    rt,
		store:     st,
		hub:       h,
		pruner:    pruning.NewClient(cfg.ContextPruning),
		sanitizer: NewSanitizer(DefaultSanitizerConfig()),
		clients:   make(map[string]*upstream.Client),
	}
}

// clientFor returns the shared upstream client for a provider type.
func (p *Pipeline) clientFor(providerType string) *upstream.Client {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()

	if c, ok := p.clients[providerType]; ok {
		return c
	}

	timeout := upstream.TimeoutFor(providerType)
	if p.cfg.Proxy.TimeoutSeconds > 0 {
		configured := time.Duration(p.cfg.Proxy.TimeoutSeconds * float64(time.Second))
		if configured > timeout {
			timeout = configured
		}
	}
	retryDelay := time.Duration(p.cfg.Proxy.RetryDelaySecs * float64(time.Second))
	c := upstream.New(timeout, p.cfg.Proxy.MaxRetries, retryDelay)
	p.clients[providerType] = c
	return c
}

// HandleChatCompletions serves POST /chat/completions.
func (p *Pipeline) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read request body")
		return
	}

	var body map[string]any
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "request body is not valid JSON")
		return
	}

	p.sanitizer.SanitizeBody(body)

	modelID, _ := body["model"].(string)
	if modelID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing model")
		return
	}

	route, err := p.router.Resolve(modelID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_model", err.Error())
		return
	}

	sess := p.ensureSession(route, modelID)

	messages := messageMaps(body["messages"])
	if messages != nil {
		policy := maskPolicyFromConfig(p.cfg.Masking)
		masked := masking.Mask(messages, policy)
		pruned := p.pruner.PruneContext(r.Context(), masked)
		body["messages"] = anyMessages(pruned)
		messages = pruned
	}

	body["model"] = route.UpstreamModel
	outBody, err := json.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to encode upstream body")
		return
	}

	var sessionID int64
	if sess != nil {
		sessionID = sess.ID
	}
	metric, err := p.store.CreateMetric(sessionID, route.Provider, modelID)
	if err != nil {
		L_error("proxy: failed to create metric", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to record request")
		return
	}
	p.hub.Broadcast(map[string]any{
		"type":       "metric_created",
		"metric_id":  metric.ID,
		"session_id": sessionID,
		"provider":   route.Provider,
		"model":      modelID,
	})

	streaming, _ := body["stream"].(bool)

	client := p.clientFor(route.Type)
	url := route.BaseURL + "/chat/completions"
	headers := map[string]string{"Content-Type": "application/json"}
	if route.APIKey != "" {
		headers["Authorization"] = "Bearer " + route.APIKey
	}

	req, err := client.BuildRequest(r.Context(), http.MethodPost, url, headers, outBody)
	if err != nil {
		p.failMetric(metric.ID, upstream.KindUnknown)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to build upstream request")
		return
	}

	resp, err := client.Do(req, outBody)
	if err != nil {
		kind := upstream.Classify(err)
		L_warn("proxy: upstream request failed", "provider", route.Provider, "kind", kind)
		p.failMetric(metric.ID, kind)
		writeError(w, http.StatusBadGateway, string(kind), "upstream request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		p.relayUpstreamError(w, resp, metric.ID)
		return
	}

	if streaming {
		p.streamResponse(w, r, resp, route, metric.ID, messages)
		return
	}
	p.bufferedResponse(w, resp, route, metric.ID)
}

// ensureSession applies the auto-create decision and returns the
// session the request belongs to.
func (p *Pipeline) ensureSession(route router.Route, modelID string) *session.Session {
	current, err := p.store.GetActiveSession()
	if err != nil {
		L_warn("proxy: failed to load active session", "error", err)
		return nil
	}
	if !session.ShouldAutoCreate(route.Provider, modelID, current) {
		return current
	}

	name := fmt.Sprintf("Session %s", modelID)
	created, err := p.store.CreateSession(name, route.Provider, modelID)
	if err != nil {
		L_warn("proxy: failed to create session", "error", err)
		return current
	}
	p.hub.Broadcast(map[string]any{
		"type":       "session_created",
		"session_id": created.ID,
		"provider":   created.Provider,
		"model":      created.Model,
	})
	return created
}

// streamResponse copies upstream SSE bytes to the client verbatim
// while tee-ing them through the usage parser.
func (p *Pipeline) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, route router.Route, metricID int64, messages []map[string]any) {
	copyResponseHeaders(w, resp, "text/event-stream")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	parser := NewUsageParser(route.Type)

	sawUsage := false
	buf := make([]byte, 32*1024)

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, writeErr := w.Write(chunk); writeErr != nil {
				// Downstream went away; stop reading upstream.
				p.failMetric(metricID, upstream.KindCancelled)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if usage, ok := parser.ProcessChunk(chunk); ok {
				sawUsage = true
				p.updateUsage(metricID, usage)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if r.Context().Err() != nil {
				p.failMetric(metricID, upstream.KindCancelled)
				return
			}
			kind := upstream.Classify(readErr)
			L_warn("proxy: stream interrupted", "metric_id", metricID, "kind", kind)
			p.store.FinalizeMetric(metricID, store.StatusError, string(kind))
			p.hub.Broadcast(map[string]any{
				"type":       "streaming_error",
				"metric_id":  metricID,
				"error_kind": string(kind),
			})
			// Downstream already holds partial data; just close.
			return
		}
	}

	if usage, ok := parser.Flush(); ok {
		sawUsage = true
		p.updateUsage(metricID, usage)
	}

	if !sawUsage {
		// Dashboard-only estimate: prompt side from the outgoing
		// messages, completion unknown.
		prompt := tokens.EstimateChat(messages)
		p.updateUsage(metricID, Usage{PromptTokens: prompt, TotalTokens: prompt})
	}

	p.store.FinalizeMetric(metricID, store.StatusFinalized, "")
	p.hub.Broadcast(map[string]any{
		"type":      "metric_finalized",
		"metric_id": metricID,
	})
}

// bufferedResponse handles stream=false: read the whole JSON body,
// extract usage, relay verbatim.
func (p *Pipeline) bufferedResponse(w http.ResponseWriter, resp *http.Response, route router.Route, metricID int64) {
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		kind := upstream.Classify(err)
		p.failMetric(metricID, kind)
		writeError(w, http.StatusBadGateway, string(kind), "failed to read upstream response")
		return
	}

	if usage, ok := ExtractUsage(payload, route.Type); ok {
		p.updateUsage(metricID, usage)
	}

	p.store.FinalizeMetric(metricID, store.StatusFinalized, "")
	p.hub.Broadcast(map[string]any{
		"type":      "metric_finalized",
		"metric_id": metricID,
	})

	copyResponseHeaders(w, resp, "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(payload)
}

// relayUpstreamError surfaces an upstream HTTP error status and body
// to the client unchanged.
func (p *Pipeline) relayUpstreamError(w http.ResponseWriter, resp *http.Response, metricID int64) {
	payload, _ := io.ReadAll(resp.Body)
	p.store.FinalizeMetric(metricID, store.StatusError, fmt.Sprintf("upstream_http_error_%d", resp.StatusCode))
	p.hub.Broadcast(map[string]any{
		"type":       "streaming_error",
		"metric_id":  metricID,
		"error_kind": fmt.Sprintf("upstream_http_error_%d", resp.StatusCode),
	})

	copyResponseHeaders(w, resp, "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(payload)
}

func (p *Pipeline) updateUsage(metricID int64, usage Usage) {
	if err := p.store.UpdateMetricUsage(metricID, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens); err != nil {
		L_warn("proxy: failed to update metric usage", "metric_id", metricID, "error", err)
	}
	p.hub.Broadcast(map[string]any{
		"type":              "metric_updated",
		"metric_id":         metricID,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	})
}

func (p *Pipeline) failMetric(metricID int64, kind upstream.ErrorKind) {
	status := store.StatusError
	if kind == upstream.KindCancelled {
		status = store.StatusCancelled
	}
	p.store.FinalizeMetric(metricID, status, string(kind))
	p.hub.Broadcast(map[string]any{
		"type":       "streaming_error",
		"metric_id":  metricID,
		"error_kind": string(kind),
	})
}

// copyResponseHeaders carries relevant upstream headers downstream.
func copyResponseHeaders(w http.ResponseWriter, resp *http.Response, fallbackContentType string) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = fallbackContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
}

// writeError sends the JSON error body used before any bytes have been
// streamed.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    kind,
			"message": message,
		},
	})
}

// maskPolicyFromConfig maps the TOML masking section to the transform
// policy.
func maskPolicyFromConfig(cfg config.MaskingConfig) masking.Policy {
	return masking.Policy{
		Enabled:             cfg.Enabled,
		WindowTurns:         cfg.WindowTurns,
		KeepErrors:          cfg.KeepErrors,
		KeepLastKPerTool:    cfg.KeepLastKPerTool,
		PlaceholderTemplate: cfg.PlaceholderTemplate,
	}
}

// messageMaps converts the decoded messages array into typed maps.
// Non-map entries make the transform a no-op (nil return).
func messageMaps(value any) []map[string]any {
	list, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		out = append(out, m)
	}
	return out
}

func anyMessages(messages []map[string]any) []any {
	out := make([]any, len(messages))
	for i, m := range messages {
		out[i] = m
	}
	return out
}
