// Package pruning is the proxy-side client of the local MCP pruner.
//
// It shrinks oversized tool observations on the /chat/completions hot
// path. The client is fail-open: any transport, protocol or payload
// error leaves the message array exactly as it was.
package pruning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/jsonrpc"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// Client calls prune_text on the local pruner server.
type Client struct {
	cfg        config.ContextPruningConfig
	httpClient *http.Client
	goalCfg    GoalHintConfig
	nextID     atomic.Int64
}

// NewClient creates a pruning client from config.
func NewClient(cfg config.ContextPruningConfig) *Client {
	timeout := time.Duration(cfg.CallTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		goalCfg:    DefaultGoalHintConfig(),
	}
}

// prunePayload is the tool payload returned inside content[0].text.
type prunePayload struct {
	PruneID     string           `json:"prune_id"`
	PrunedText  string           `json:"pruned_text"`
	Annotations []map[string]any `json:"annotations"`
	Stats       map[string]any   `json:"stats"`
	Warnings    []string         `json:"warnings"`
}

// PruneContext returns a new message slice in which oversized tool
// observations are rewritten; the input is not mutated, and when pruning
// is disabled the input slice itself is returned. Message order, roles
// and ids are untouched; only the content of role=tool messages may
// change. Fail-open on every error.
func (c *Client) PruneContext(ctx context.Context, messages []map[string]any) []map[string]any {
	if !c.cfg.Enabled {
		return messages
	}

	goalHint := DeriveGoalHint(messages, c.goalCfg)

	output := make([]map[string]any, len(messages))
	copy(output, messages)

	for i, msg := range messages {
		role, _ := msg["role"].(string)
		if role != "tool" {
			continue
		}
		content, ok := msg["content"].(string)
		if !ok || len(content) < c.cfg.MinCharsToPrune {
			continue
		}

		payload, err := c.pruneText(ctx, content, goalHint)
		if err != nil {
			L_debug("pruning: fail-open, keeping original content", "index", i, "error", err)
			continue
		}

		pruned := make(map[string]any, len(msg)+1)
		for k, v := range msg {
			pruned[k] = v
		}
		pruned["content"] = payload.PrunedText
		pruned["_pruner"] = map[string]any{
			"prune_id": payload.PruneID,
			"stats":    payload.Stats,
		}
		output[i] = pruned
	}

	return output
}

// pruneText issues one JSON-RPC tools/call prune_text exchange.
func (c *Client) pruneText(ctx context.Context, text, goalHint string) (*prunePayload, error) {
	id := c.nextID.Add(1)

	reqObj := map[string]any{
		"jsonrpc": jsonrpc.Version,
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name": "prune_text",
			"arguments": map[string]any{
				"text":        text,
				"goal_hint":   goalHint,
				"source_type": "logs",
				"options":     c.cfg.Options,
			},
		},
	}

	body, err := json.Marshal(reqObj)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.PrunerURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pruner http status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *jsonrpc.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("pruner rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result.Content) == 0 {
		return nil, fmt.Errorf("pruner returned empty content")
	}

	var payload prunePayload
	if err := json.Unmarshal([]byte(rpcResp.Result.Content[0].Text), &payload); err != nil {
		return nil, err
	}
	if payload.PrunedText == "" && payload.PruneID == "" {
		return nil, fmt.Errorf("pruner payload missing prune_id")
	}
	return &payload, nil
}
