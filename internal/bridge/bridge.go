// Package bridge is the per-IDE stdio MCP bridge.
//
// One JSON-RPC object per line goes in on stdin and comes out on
// stdout. Depending on the server name, frames are either POSTed to
// the MCP gateway over HTTP or relayed to a spawned stdio MCP child.
// stdout carries nothing but JSON-RPC; all diagnostics go to stderr.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ki2pixel/kimiproxy/internal/jsonrpc"
)

// GatewayHTTPServers are routed through the MCP gateway.
var GatewayHTTPServers = map[string]bool{
	"context-compression": true,
	"sequential-thinking": true,
	"fast-filesystem":     true,
	"json-query":          true,
}

// StdioRelayServers are spawned locally and relayed over stdio.
var StdioRelayServers = map[string]bool{
	"filesystem-agent":    true,
	"ripgrep-agent":       true,
	"shrimp-task-manager": true,
}

// childGrace is how long a child may keep running after stdin closes
// before it is killed.
const childGrace = 2 * time.Second

// GatewayBaseURL returns the gateway base URL from the environment.
func GatewayBaseURL() string {
	base := os.Getenv("MCP_GATEWAY_BASE_URL")
	if base == "" {
		base = "http://localhost:8000"
	}
	return strings.TrimRight(base, "/")
}

// GatewayURL builds the per-server gateway RPC URL.
func GatewayURL(serverName string) string {
	return fmt.Sprintf("%s/api/mcp-gateway/%s/rpc", GatewayBaseURL(), serverName)
}

// Run executes the bridge for one server name until stdin EOF or child
// exit. Returns the process exit code.
func Run(ctx context.Context, serverName string) int {
	monitor := MonitorFromEnv(serverName)
	if err := monitor.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "[bridge] monitoring disabled: %v\n", err)
	}
	defer monitor.Stop()

	switch {
	case GatewayHTTPServers[serverName]:
		return runGatewayHTTP(ctx, serverName, os.Stdin, os.Stdout, monitor)
	case StdioRelayServers[serverName]:
		return runStdioRelay(ctx, serverName, os.Stdin, os.Stdout, os.Stderr, monitor)
	}

	writeLine(os.Stdout, jsonrpc.NewError(nil, jsonrpc.CodeInvalidParams,
		fmt.Sprintf("Invalid params: unknown server '%s'", serverName), nil))
	return 1
}

// runGatewayHTTP forwards one JSON-RPC object per stdin line to the
// gateway and writes each response object on stdout.
func runGatewayHTTP(ctx context.Context, serverName string, stdin io.Reader, stdout io.Writer, monitor *Monitor) int {
	gatewayURL := GatewayURL(serverName)
	client := &http.Client{Timeout: 60 * time.Second}
	scanner := lineScanner(stdin, StreamLimitBytes())

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			writeLine(stdout, jsonrpc.NewError(nil, jsonrpc.CodeParseError, "Parse error", nil))
			continue
		}
		monitor.Observe("client_to_server", obj)
		reqID := jsonrpc.ExtractID([]byte(line))

		respObj, err := postJSONRPC(ctx, client, gatewayURL, []byte(line))
		if err != nil {
			writeLine(stdout, jsonrpc.NewError(reqID, jsonrpc.CodeInternalError, err.Error(), nil))
			continue
		}
		monitor.Observe("server_to_client", respObj)
		writeLine(stdout, respObj)
	}

	return 0
}

func postJSONRPC(ctx context.Context, client *http.Client, url string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// runStdioRelay spawns the child MCP server and runs the three pumps
// plus the child waiter. The first of stdin-EOF or child-exit wins;
// the other side is shut down cooperatively with a grace period.
func runStdioRelay(ctx context.Context, serverName string, stdin io.Reader, stdout, stderr io.Writer, monitor *Monitor) int {
	relayCmd, err := BuildRelayCommand(serverName)
	if err != nil {
		writeLine(stdout, jsonrpc.NewError(nil, jsonrpc.CodeInvalidParams, err.Error(), nil))
		return 1
	}

	cmd := exec.CommandContext(ctx, relayCmd.Command, relayCmd.Args...)
	cmd.Env = relayCmd.Env

	childStdin, err := cmd.StdinPipe()
	if err != nil {
		return answerSpawnFailure(serverName, err, stdin, stdout)
	}
	childStdout, err := cmd.StdoutPipe()
	if err != nil {
		return answerSpawnFailure(serverName, err, stdin, stdout)
	}
	childStderr, err := cmd.StderrPipe()
	if err != nil {
		return answerSpawnFailure(serverName, err, stdin, stdout)
	}

	if err := cmd.Start(); err != nil {
		return answerSpawnFailure(serverName, err, stdin, stdout)
	}

	inflight := NewInflightTracker()
	limit := StreamLimitBytes()

	// Only shrimp needs the server->client roots/list shim.
	var shimStdin io.Writer
	if serverName == "shrimp-task-manager" {
		shimStdin = childStdin
	}

	stdinDone := make(chan struct{})
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	childDone := make(chan int, 1)

	// client -> child.stdin
	go func() {
		defer close(stdinDone)
		defer childStdin.Close()
		scanner := lineScanner(stdin, limit)
		for scanner.Scan() {
			line := scanner.Bytes()
			var obj map[string]any
			if err := json.Unmarshal(trimLeftSpace(line), &obj); err == nil {
				inflight.ObserveClientMessage(obj)
				monitor.Observe("client_to_server", obj)
			}
			if _, err := childStdin.Write(append(append([]byte{}, line...), '\n')); err != nil {
				return
			}
		}
	}()

	// child.stdout -> stdout (filtered)
	go func() {
		defer close(stdoutDone)
		pumpFilteredChildStdout(childStdout, stdout, stderr, shimStdin, inflight, monitor, limit)
	}()

	// child.stderr -> stderr (mirrored)
	go func() {
		defer close(stderrDone)
		io.Copy(stderr, childStderr)
	}()

	go func() {
		cmd.Wait()
		exitCode := 0
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		childDone <- exitCode
	}()

	var exitCode int
	select {
	case exitCode = <-childDone:
		// Child exited on its own; stop feeding it.
	case <-stdinDone:
		// Client went away: give the child a grace period, then kill.
		select {
		case exitCode = <-childDone:
		case <-time.After(childGrace):
			cmd.Process.Kill()
			exitCode = <-childDone
		}
	case <-ctx.Done():
		cmd.Process.Kill()
		exitCode = <-childDone
	}

	// Let the output pumps drain to EOF.
	for _, ch := range []chan struct{}{stdoutDone, stderrDone} {
		select {
		case <-ch:
		case <-time.After(time.Second):
		}
	}

	return exitCode
}

// answerSpawnFailure replies -32603 to every incoming request when the
// child could not be started, so the failure is visible client-side.
func answerSpawnFailure(serverName string, spawnErr error, stdin io.Reader, stdout io.Writer) int {
	scanner := lineScanner(stdin, StreamLimitBytes())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reqID := jsonrpc.ExtractID([]byte(line))
		writeLine(stdout, jsonrpc.NewError(reqID, jsonrpc.CodeInternalError,
			fmt.Sprintf("failed to start %s: %v", serverName, spawnErr), nil))
	}
	return 1
}
