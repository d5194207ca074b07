// Package gateway forwards MCP JSON-RPC requests from IDE bridges to
// configured upstream servers, masking oversized observation strings
// in responses on the way back.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/jsonrpc"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// MaskedMarker is embedded in every masked string.
const MaskedMarker = "KIMI_PROXY_OBSERVATION_MASKED"

// Gateway forwards /api/mcp-gateway/{server}/rpc requests.
type Gateway struct {
	cfg        config.MCPGatewayConfig
	httpClient *http.Client
}

// New creates a gateway from config.
func New(cfg config.MCPGatewayConfig) *Gateway {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ServeHTTP handles POST /api/mcp-gateway/{server}/rpc.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	serverName := serverNameFromPath(r.URL.Path)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPC(w, http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error", nil))
		return
	}
	reqID := jsonrpc.ExtractID(body)

	upstreamURL, ok := g.cfg.Servers[serverName]
	if !ok || upstreamURL == "" {
		writeJSONRPC(w, http.StatusNotFound, jsonrpc.NewError(reqID, jsonrpc.CodeBridgeOverflow,
			fmt.Sprintf("unknown MCP server '%s'", serverName),
			map[string]any{"code": "gateway_unknown_server", "server": serverName}))
		return
	}

	response, err := g.forward(r.Context(), upstreamURL, body)
	if err != nil {
		L_warn("gateway: upstream call failed", "server", serverName, "error", err)
		writeJSONRPC(w, http.StatusBadGateway, jsonrpc.NewError(reqID, jsonrpc.CodeGatewayUpstreamTimeout,
			fmt.Sprintf("upstream timeout for MCP server '%s'", serverName),
			map[string]any{"code": "gateway_upstream_timeout", "server": serverName}))
		return
	}

	masked := g.ApplyObservationMasking(response)
	writeJSONAny(w, http.StatusOK, masked)
}

// forward sends a raw JSON-RPC body upstream and decodes the reply.
func (g *Gateway) forward(ctx context.Context, upstreamURL string, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// ApplyObservationMasking walks the decoded response; any string of
// threshold length or more is replaced by its head and tail around a
// size marker. Non-strings and small strings pass unchanged. Sizes
// count code points so multibyte content is never split mid-rune.
func (g *Gateway) ApplyObservationMasking(value any) any {
	threshold := g.cfg.MaskThreshold
	if threshold <= 0 {
		threshold = 8000
	}
	head := g.cfg.MaskKeepHead
	if head <= 0 {
		head = 2000
	}
	tail := g.cfg.MaskKeepTail
	if tail <= 0 {
		tail = 2000
	}
	return maskValue(value, threshold, head, tail)
}

func maskValue(value any, threshold, head, tail int) any {
	switch v := value.(type) {
	case string:
		runes := []rune(v)
		if len(runes) < threshold {
			return v
		}
		return string(runes[:head]) + fmt.Sprintf("…[%s original_chars=%d]…", MaskedMarker, len(runes)) + string(runes[len(runes)-tail:])
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = maskValue(item, threshold, head, tail)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = maskValue(item, threshold, head, tail)
		}
		return out
	default:
		return value
	}
}

// serverNameFromPath extracts {server} from /api/mcp-gateway/{server}/rpc.
func serverNameFromPath(path string) string {
	trimmed := strings.TrimPrefix(path, "/api/mcp-gateway/")
	trimmed = strings.TrimSuffix(trimmed, "/rpc")
	return strings.Trim(trimmed, "/")
}

func writeJSONRPC(w http.ResponseWriter, status int, resp *jsonrpc.Response) {
	writeJSONAny(w, status, resp)
}

func writeJSONAny(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, os.ErrClosed) {
		L_trace("gateway: response write failed", "error", err)
	}
}
