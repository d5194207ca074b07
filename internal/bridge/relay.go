package bridge

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ki2pixel/kimiproxy/internal/jsonrpc"
)

// Stream limit bounds for a single JSON-RPC line.
const (
	MinStreamLimit = 64 * 1024
	MaxStreamLimit = 64 * 1024 * 1024
)

// defaultRelayPath is the minimal PATH handed to spawned children when
// nothing else is configured.
const defaultRelayPath = "/usr/bin:/bin:/usr/local/bin"

// RelayCommand describes how to spawn a stdio MCP child server.
type RelayCommand struct {
	Command string
	Args    []string
	Env     []string
}

// StreamLimitBytes reads MCP_BRIDGE_STDIO_STREAM_LIMIT and clamps it
// to [64 KiB, 64 MiB].
func StreamLimitBytes() int {
	limit := MinStreamLimit
	if raw := os.Getenv("MCP_BRIDGE_STDIO_STREAM_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			limit = v
		}
	}
	if limit < MinStreamLimit {
		limit = MinStreamLimit
	}
	if limit > MaxStreamLimit {
		limit = MaxStreamLimit
	}
	return limit
}

// baseRelayEnv returns the child environment, honoring the forced
// PATH override.
func baseRelayEnv() []string {
	env := os.Environ()
	if forced, ok := os.LookupEnv("MCP_BRIDGE_PATH_ENV"); ok {
		env = setEnv(env, "PATH", forced)
	}
	return env
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func ensureEnv(env []string, key, value string) []string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}

// BuildRelayCommand resolves the spawn command for a stdio-relay
// server name.
func BuildRelayCommand(serverName string) (RelayCommand, error) {
	switch serverName {
	case "filesystem-agent":
		return buildFilesystemAgentCommand(), nil
	case "ripgrep-agent":
		return buildRipgrepAgentCommand(), nil
	case "shrimp-task-manager":
		return buildShrimpCommand(), nil
	}
	return RelayCommand{}, fmt.Errorf("unsupported stdio-relay server: %s", serverName)
}

func buildFilesystemAgentCommand() RelayCommand {
	allowedRoot := os.Getenv("MCP_FILESYSTEM_ALLOWED_ROOT")
	if allowedRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		allowedRoot = home
	}
	cmd := os.Getenv("MCP_FILESYSTEM_COMMAND")
	if cmd == "" {
		cmd = "npx"
	}

	env := baseRelayEnv()
	env = ensureEnv(env, "PATH", defaultRelayPath)

	return RelayCommand{
		Command: cmd,
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", allowedRoot},
		Env:     env,
	}
}

func buildRipgrepAgentCommand() RelayCommand {
	cmd := os.Getenv("MCP_RIPGREP_COMMAND")
	if cmd == "" {
		cmd = "npx"
	}

	env := baseRelayEnv()
	env = ensureEnv(env, "PATH", defaultRelayPath)

	return RelayCommand{
		Command: cmd,
		Args:    []string{"-y", "mcp-ripgrep"},
		Env:     env,
	}
}

func buildShrimpCommand() RelayCommand {
	cmd := os.Getenv("MCP_SHRIMP_TASK_MANAGER_COMMAND")
	if cmd == "" {
		cmd = "shrimp-task-manager"
	}
	return RelayCommand{Command: cmd, Env: baseRelayEnv()}
}

// WorkspaceRoot resolves the root advertised by the roots/list shim:
// MCP_WORKSPACE_ROOT, then WORKSPACE_PATH, then the working directory.
func WorkspaceRoot() string {
	root := os.Getenv("MCP_WORKSPACE_ROOT")
	if root == "" {
		root = os.Getenv("WORKSPACE_PATH")
	}
	if root == "" {
		if cwd, err := os.Getwd(); err == nil {
			root = cwd
		} else {
			root = "."
		}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}

// RootsListResult builds the roots/list response for the shim.
func RootsListResult(id json.RawMessage, rootPath string) *jsonrpc.Response {
	uri := url.URL{Scheme: "file", Path: rootPath}
	return jsonrpc.NewResult(id, map[string]any{
		"roots": []any{
			map[string]any{"uri": uri.String(), "name": "workspace"},
		},
	})
}

// writeLine writes one JSON value followed by a newline. Used for every
// stdout frame the bridge emits.
func writeLine(w io.Writer, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

// errStreamLimit marks a line that exceeded the per-line byte limit.
var errStreamLimit = errors.New("stream limit exceeded")

// lineScanner wraps bufio.Scanner with the bridge's byte limit.
func lineScanner(r io.Reader, limit int) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, limit)
	return scanner
}

// pumpFilteredChildStdout relays only well-formed JSON-RPC 2.0 object
// lines from the child's stdout to the bridge stdout. Banners and logs
// are redirected to stderr. On stream-limit overflow, one -32001 error
// is emitted per in-flight request id and a hint goes to stderr.
//
// childStdin is non-nil only for the shrimp roots/list shim, which
// answers server->client roots/list requests directly.
func pumpFilteredChildStdout(
	childStdout io.Reader,
	stdout io.Writer,
	stderr io.Writer,
	childStdin io.Writer,
	inflight *InflightTracker,
	monitor *Monitor,
	limit int,
) error {
	scanner := lineScanner(childStdout, limit)

	for scanner.Scan() {
		line := scanner.Bytes()

		stripped := trimLeftSpace(line)
		if len(stripped) > 0 && stripped[0] == '{' {
			var obj map[string]any
			if err := json.Unmarshal(stripped, &obj); err == nil && jsonrpc.IsMessage(obj) {
				if monitor != nil {
					monitor.Observe("server_to_client", obj)
				}

				// Server->client roots/list request: answer the child
				// ourselves so unidirectional clients keep working.
				if childStdin != nil && jsonrpc.IsRequest(obj) {
					if method, _ := obj["method"].(string); method == "roots/list" {
						id := jsonrpc.ExtractID(stripped)
						if err := writeLine(childStdin, RootsListResult(id, WorkspaceRoot())); err != nil {
							return nil
						}
						continue
					}
				}

				if inflight != nil {
					inflight.ObserveServerMessage(obj)
				}
				if _, err := stdout.Write(append(append([]byte{}, line...), '\n')); err != nil {
					return err
				}
				continue
			}
		}

		// Never write logs to stdout.
		fmt.Fprintf(stderr, "[bridge relay stdout] %s\n", line)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			emitStreamLimitErrors(stdout, stderr, inflight, limit, err)
			return errStreamLimit
		}
		return err
	}
	return nil
}

// emitStreamLimitErrors answers every in-flight request with -32001 and
// writes a human hint to stderr.
func emitStreamLimitErrors(stdout, stderr io.Writer, inflight *InflightTracker, limit int, cause error) {
	fmt.Fprintf(stderr,
		"[bridge] child emitted a line over the %d-byte limit; raise MCP_BRIDGE_STDIO_STREAM_LIMIT if outputs are legitimately large (%v)\n",
		limit, cause)

	if inflight == nil {
		return
	}
	for _, id := range inflight.PendingIDs() {
		writeLine(stdout, jsonrpc.NewError(id, jsonrpc.CodeBridgeOverflow,
			"bridge_overflow: child output exceeded MCP_BRIDGE_STDIO_STREAM_LIMIT",
			map[string]any{"code": "bridge_overflow", "limit": limit}))
	}
}

func trimLeftSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	return b
}
