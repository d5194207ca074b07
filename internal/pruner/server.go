package pruner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/jsonrpc"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// protocolVersion is the MCP protocol version echoed by initialize.
const protocolVersion = "2025-11-25"

const serverVersion = "0.1.0"

// Server is the local MCP pruner server.
type Server struct {
	cfg   config.MCPPrunerConfig
	store *Store
	cache *resultCache

	metricsMu sync.Mutex
	metrics   runMetrics
}

type runMetrics struct {
	RequestsTotal  int64            `json:"requests_total"`
	RequestsByTool map[string]int64 `json:"requests_by_tool"`
	CacheHits      int64            `json:"cache_hits"`
	Fallbacks      int64            `json:"fallbacks"`
}

// NewServer builds a pruner server from config.
func NewServer(cfg config.MCPPrunerConfig) *Server {
	return &Server{
		cfg:   cfg,
		store: NewStore(time.Duration(cfg.PruneIDTTLSeconds) * time.Second),
		cache: newResultCache(cfg.CacheMaxEntries, time.Duration(cfg.CacheTTLSeconds)*time.Second),
		metrics: runMetrics{
			RequestsByTool: make(map[string]int64),
		},
	}
}

// Handler returns the HTTP handler serving /rpc and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe runs the server until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		L_info("pruner: server starting", "addr", addr, "backend", s.cfg.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthPayload())
}

func (s *Server) healthPayload() map[string]any {
	s.metricsMu.Lock()
	byTool := make(map[string]int64, len(s.metrics.RequestsByTool))
	for k, v := range s.metrics.RequestsByTool {
		byTool[k] = v
	}
	snapshot := map[string]any{
		"requests_total":   s.metrics.RequestsTotal,
		"requests_by_tool": byTool,
		"cache_hits":       s.metrics.CacheHits,
		"fallbacks":        s.metrics.Fallbacks,
		"store_entries":    s.store.Len(),
		"cache_entries":    s.cache.len(),
	}
	s.metricsMu.Unlock()

	return map[string]any{
		"status":       "healthy",
		"server":       "mcp-pruner",
		"version":      serverVersion,
		"backend":      s.cfg.Backend,
		"capabilities": []string{"prune_text", "recover_text", "annotations", "markers"},
		"timestamp":    time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"metrics":      snapshot,
	}
}

func (s *Server) countRequest(tool string) {
	s.metricsMu.Lock()
	s.metrics.RequestsTotal++
	if tool != "" {
		s.metrics.RequestsByTool[tool]++
	}
	s.metricsMu.Unlock()
}

func (s *Server) countCacheHit() {
	s.metricsMu.Lock()
	s.metrics.CacheHits++
	s.metricsMu.Unlock()
}

func (s *Server) countFallback() {
	s.metricsMu.Lock()
	s.metrics.Fallbacks++
	s.metricsMu.Unlock()
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonrpc.Request
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error", nil))
		return
	}

	if req.JSONRPC != jsonrpc.Version || req.Method == "" {
		writeJSON(w, http.StatusOK, jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "Invalid Request", nil))
		return
	}

	writeJSON(w, http.StatusOK, s.dispatch(r.Context(), &req))
}

// dispatch routes one JSON-RPC request to its handler.
func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params map[string]any
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params, &params)
	}

	switch req.Method {
	case "initialize":
		version := protocolVersion
		if v, ok := params["protocolVersion"].(string); ok && v != "" {
			version = v
		}
		return jsonrpc.NewResult(req.ID, map[string]any{
			"protocolVersion": version,
			"capabilities":    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}, "prompts": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mcp-pruner", "version": serverVersion},
		})

	case "notifications/initialized":
		return jsonrpc.NewResult(req.ID, map[string]any{"ok": true})

	case "tools/list":
		return jsonrpc.NewResult(req.ID, map[string]any{"tools": toolsList()})

	case "tools/call":
		name, _ := params["name"].(string)
		if name == "" {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params: missing tool name", nil)
		}
		args, _ := params["arguments"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		switch name {
		case "prune_text":
			return s.toolPruneText(ctx, req.ID, args)
		case "recover_text", "recover_range":
			return s.toolRecoverText(req.ID, args)
		case "health":
			s.countRequest("health")
			return toolResult(req.ID, s.healthPayload())
		}
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("Invalid params: unknown tool '%s'", name), nil)

	case "resources/list":
		return jsonrpc.NewResult(req.ID, map[string]any{"resources": []any{}})
	case "resources/templates/list":
		return jsonrpc.NewResult(req.ID, map[string]any{"resourceTemplates": []any{}})
	case "prompts/list":
		return jsonrpc.NewResult(req.ID, map[string]any{"prompts": []any{}})

	// Legacy direct methods kept for older clients.
	case "health":
		s.countRequest("health")
		return jsonrpc.NewResult(req.ID, s.healthPayload())
	case "prune_text":
		if params == nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
		}
		return s.toolPruneText(ctx, req.ID, params)
	case "recover_text", "recover_range":
		if params == nil {
			return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "Invalid params", nil)
		}
		return s.toolRecoverText(req.ID, params)
	}

	return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
}

// toolPruneText validates arguments and runs one prune.
func (s *Server) toolPruneText(ctx context.Context, id json.RawMessage, args map[string]any) *jsonrpc.Response {
	s.countRequest("prune_text")

	text, textOK := args["text"].(string)
	goalHint, goalOK := args["goal_hint"].(string)
	sourceType, srcOK := args["source_type"].(string)
	optionsRaw, optsOK := args["options"].(map[string]any)
	if !textOK || !goalOK || !srcOK || !optsOK {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: expected {text, goal_hint, source_type, options}", nil)
	}

	if sourceType != "code" && sourceType != "logs" && sourceType != "docs" {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: source_type must be one of code|logs|docs", nil)
	}

	opts, errResp := parseOptions(id, optionsRaw)
	if errResp != nil {
		return errResp
	}

	pruneID := newPruneID()

	// Fail-open guard for oversized inputs.
	if len(text) > s.cfg.MaxInputChars {
		lines := splitLines(text)
		s.store.Put(pruneID, lines)
		estimated := len(text) / 4
		payload := map[string]any{
			"prune_id":    pruneID,
			"pruned_text": text,
			"annotations": []any{},
			"stats": map[string]any{
				"backend":            s.cfg.Backend,
				"original_lines":     len(lines),
				"kept_lines":         len(lines),
				"pruned_lines":       0,
				"pruned_ratio":       0.0,
				"tokens_est_before":  estimated,
				"tokens_est_after":   estimated,
				"tokens_saved_est":   0,
				"cost_estimated_usd": 0.0,
				"elapsed_ms":         0,
				"used_fallback":      true,
			},
			"warnings": []string{"input_too_large"},
		}
		return toolResult(id, payload)
	}

	key := cacheKey(text, goalHint, sourceType, *opts)
	if cached := s.cache.get(key); cached != nil {
		s.countCacheHit()
		prunedText, annotations := stampPruneID(cached.prunedText, cached.annotations, pruneID)
		s.store.Put(pruneID, cached.lines)

		stats := make(map[string]any, len(cached.stats)+2)
		for k, v := range cached.stats {
			stats[k] = v
		}
		stats["deepinfra_cached"] = true
		stats["deepinfra_latency_ms"] = 0
		stats["elapsed_ms"] = 0

		warnings := append([]string{}, cached.warnings...)
		warnings = append(warnings, "cache_hit")

		return toolResult(id, map[string]any{
			"prune_id":    pruneID,
			"pruned_text": prunedText,
			"annotations": annotations,
			"stats":       stats,
			"warnings":    warnings,
		})
	}

	result := s.runBackend(ctx, text, goalHint, sourceType, *opts)
	if fallback, _ := result.stats["used_fallback"].(bool); fallback {
		s.countFallback()
	}

	lines := splitLines(text)
	s.store.Put(pruneID, lines)

	if fallback, _ := result.stats["used_fallback"].(bool); !fallback {
		s.cache.put(&cacheEntry{
			key:         key,
			prunedText:  result.prunedText,
			annotations: result.annotations,
			stats:       result.stats,
			warnings:    result.warnings,
			lines:       lines,
		})
	}

	prunedText, annotations := stampPruneID(result.prunedText, result.annotations, pruneID)

	return toolResult(id, map[string]any{
		"prune_id":    pruneID,
		"pruned_text": prunedText,
		"annotations": annotations,
		"stats":       result.stats,
		"warnings":    result.warnings,
	})
}

// toolRecoverText returns the original lines for the requested ranges.
func (s *Server) toolRecoverText(id json.RawMessage, args map[string]any) *jsonrpc.Response {
	s.countRequest("recover_text")

	pruneID, idOK := args["prune_id"].(string)
	rangesRaw, rangesOK := args["ranges"].([]any)
	includeLineNumbers, numOK := args["include_line_numbers"].(bool)
	if !idOK || !rangesOK || !numOK {
		return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: expected {prune_id, ranges, include_line_numbers}", nil)
	}

	storedLines := s.store.Get(pruneID)
	if storedLines == nil {
		return jsonrpc.NewError(id, jsonrpc.CodePruneIDNotFound, "prune_id_not_found",
			map[string]any{"code": "prune_id_not_found", "prune_id": pruneID})
	}

	var chunks []string
	for _, r := range rangesRaw {
		rMap, ok := r.(map[string]any)
		if !ok {
			return jsonrpc.NewError(id, jsonrpc.CodeInvalidParams, "Invalid params: range item must be object", nil)
		}
		startF, startOK := rMap["start_line"].(float64)
		endF, endOK := rMap["end_line"].(float64)
		startLine, endLine := int(startF), int(endF)
		if !startOK || !endOK || startLine < 1 || endLine < 1 || startLine > endLine {
			return jsonrpc.NewError(id, jsonrpc.CodeInvalidRange, "invalid_range",
				map[string]any{"code": "invalid_range", "range": rMap})
		}
		if startLine > len(storedLines) {
			return jsonrpc.NewError(id, jsonrpc.CodeInvalidRange, "invalid_range",
				map[string]any{"code": "invalid_range", "range": rMap, "max_line": len(storedLines)})
		}

		endIdx := endLine
		if endIdx > len(storedLines) {
			endIdx = len(storedLines)
		}
		for idx := startLine - 1; idx < endIdx; idx++ {
			if includeLineNumbers {
				chunks = append(chunks, fmt.Sprintf("%d│ %s", idx+1, storedLines[idx]))
			} else {
				chunks = append(chunks, storedLines[idx])
			}
		}
	}

	joined := ""
	for i, c := range chunks {
		if i > 0 {
			joined += "\n"
		}
		joined += c
	}

	return toolResult(id, map[string]any{
		"raw_text": joined,
		"metadata": map[string]any{
			"prune_id":       pruneID,
			"ranges":         rangesRaw,
			"line_numbering": "original",
		},
	})
}

// parseOptions validates the full options object. All five fields are
// required, typed and bounded.
func parseOptions(id json.RawMessage, raw map[string]any) (*pruneOptions, *jsonrpc.Response) {
	maxPruneRatio, ratioOK := raw["max_prune_ratio"].(float64)
	minKeepF, keepOK := numberField(raw, "min_keep_lines")
	timeoutF, timeoutOK := numberField(raw, "timeout_ms")
	annotateLines, annOK := raw["annotate_lines"].(bool)
	includeMarkers, markOK := raw["include_markers"].(bool)

	if !ratioOK {
		// Integers 0 and 1 are valid ratios.
		if f, ok := numberField(raw, "max_prune_ratio"); ok {
			maxPruneRatio, ratioOK = f, true
		}
	}

	if !ratioOK || !keepOK || !timeoutOK || !annOK || !markOK {
		return nil, jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: options must contain max_prune_ratio, min_keep_lines, timeout_ms, annotate_lines, include_markers", nil)
	}

	if maxPruneRatio < 0.0 || maxPruneRatio > 1.0 {
		return nil, jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: options.max_prune_ratio must be between 0 and 1", nil)
	}
	minKeepLines := int(minKeepF)
	if minKeepLines < 0 {
		return nil, jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: options.min_keep_lines must be >= 0", nil)
	}
	timeoutMs := int(timeoutF)
	if timeoutMs < 1 {
		return nil, jsonrpc.NewError(id, jsonrpc.CodeInvalidParams,
			"Invalid params: options.timeout_ms must be >= 1", nil)
	}

	return &pruneOptions{
		MaxPruneRatio:  maxPruneRatio,
		MinKeepLines:   minKeepLines,
		TimeoutMs:      timeoutMs,
		AnnotateLines:  annotateLines,
		IncludeMarkers: includeMarkers,
	}, nil
}

func numberField(raw map[string]any, key string) (float64, bool) {
	f, ok := raw[key].(float64)
	return f, ok
}

// toolResult wraps a tool payload in the MCP content envelope.
func toolResult(id json.RawMessage, payload any) *jsonrpc.Response {
	text, err := json.Marshal(payload)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, "failed to encode tool payload", nil)
	}
	return jsonrpc.NewResult(id, map[string]any{
		"content": []any{
			map[string]any{"type": "text", "text": string(text)},
		},
	})
}

func newPruneID() string {
	u := uuid.New()
	return "prn_" + hex.EncodeToString(u[:])
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// toolsList describes the exposed MCP tools.
func toolsList() []map[string]any {
	return []map[string]any{
		{
			"name":        "prune_text",
			"description": "Élague un texte avec annotations + markers récupérables.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":        map[string]any{"type": "string"},
					"goal_hint":   map[string]any{"type": "string"},
					"source_type": map[string]any{"type": "string", "enum": []string{"code", "logs", "docs"}},
					"options": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"max_prune_ratio": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
							"min_keep_lines":  map[string]any{"type": "integer", "minimum": 0},
							"timeout_ms":      map[string]any{"type": "integer", "minimum": 1},
							"annotate_lines":  map[string]any{"type": "boolean"},
							"include_markers": map[string]any{"type": "boolean"},
						},
						"required":             []string{"max_prune_ratio", "min_keep_lines", "timeout_ms", "annotate_lines", "include_markers"},
						"additionalProperties": false,
					},
				},
				"required":             []string{"text", "goal_hint", "source_type", "options"},
				"additionalProperties": false,
			},
		},
		{
			"name":        "recover_text",
			"description": "Récupère des plages de lignes brutes pour un prune_id.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prune_id": map[string]any{"type": "string"},
					"ranges": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"start_line": map[string]any{"type": "integer", "minimum": 1},
								"end_line":   map[string]any{"type": "integer", "minimum": 1},
							},
							"required":             []string{"start_line", "end_line"},
							"additionalProperties": false,
						},
					},
					"include_line_numbers": map[string]any{"type": "boolean"},
				},
				"required":             []string{"prune_id", "ranges", "include_line_numbers"},
				"additionalProperties": false,
			},
		},
		{
			"name":        "health",
			"description": "Retourne l'état de santé du serveur.",
			"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false},
		},
	}
}
