package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/ki2pixel/kimiproxy/internal/bridge"
	"github.com/ki2pixel/kimiproxy/internal/cline"
	"github.com/ki2pixel/kimiproxy/internal/config"
	"github.com/ki2pixel/kimiproxy/internal/hub"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
	"github.com/ki2pixel/kimiproxy/internal/pruner"
	"github.com/ki2pixel/kimiproxy/internal/router"
	"github.com/ki2pixel/kimiproxy/internal/server"
	"github.com/ki2pixel/kimiproxy/internal/store"
)

// version is set by the release build via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface
type CLI struct {
	Debug  bool   `help:"Enable debug logging" short:"d"`
	Trace  bool   `help:"Enable trace logging" short:"t"`
	Config string `help:"Config file path" short:"c" type:"path"`

	Serve   ServeCmd   `cmd:"" help:"Run the proxy server (default)" default:"withargs"`
	Pruner  PrunerCmd  `cmd:"" help:"Run the local MCP pruner server"`
	Bridge  BridgeCmd  `cmd:"" help:"Run the stdio MCP bridge for one server"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

// Context carries globals to commands.
type Context struct {
	Config *config.Config
}

// ServeCmd runs the proxy in the foreground.
type ServeCmd struct{}

func (s *ServeCmd) Run(ctx *Context) error {
	cfg := ctx.Config

	st, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	h := hub.New()
	rt := router.New(cfg)

	srv := server.New(cfg, rt, st, h)
	if err := srv.Start(); err != nil {
		return err
	}

	poller := cline.NewPollingService(cfg.Cline, cline.NewImporter(cfg.Cline.LedgerPath, st), h)
	if err := poller.Start(); err != nil {
		L_warn("cline polling failed to start", "error", err)
	}

	L_info("kimiproxy ready",
		"addr", cfg.Server.Listen,
		"models", len(cfg.Models),
		"masking", cfg.Masking.Enabled,
		"pruning", cfg.ContextPruning.Enabled)

	waitForShutdown()

	poller.Stop()
	return srv.Stop()
}

// PrunerCmd runs the MCP pruner server.
type PrunerCmd struct{}

func (p *PrunerCmd) Run(ctx *Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		waitForShutdown()
		cancel()
	}()
	return pruner.NewServer(ctx.Config.MCPPruner).ListenAndServe(runCtx)
}

// BridgeCmd runs the stdio bridge for one MCP server name.
type BridgeCmd struct {
	Server string `arg:"" help:"MCP server name (gateway-http or stdio-relay)"`
}

func (b *BridgeCmd) Run(ctx *Context) error {
	// The bridge owns stdout for JSON-RPC; logging stays on stderr.
	code := bridge.Run(context.Background(), b.Server)
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Println("kimiproxy", version)
	return nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
}

func main() {
	// .env is optional; real env always wins.
	godotenv.Load()

	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("kimiproxy"),
		kong.Description("OpenAI-compatible LLM proxy with MCP tooling"),
		kong.UsageOnError(),
	)

	logCfg := DefaultConfig()
	if cli.Trace {
		logCfg.Level = LevelTrace
	} else if cli.Debug {
		logCfg.Level = LevelDebug
	}
	Init(logCfg)

	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := kctx.Run(&Context{Config: cfg}); err != nil {
		L_fatal("command failed", "error", err)
	}
}
