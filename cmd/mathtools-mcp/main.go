package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/math-agent/backend/internal/compute/mathtools"
	"github.com/math-agent/backend/internal/compute/mcpserver"
	"github.com/math-agent/backend/pkg/config"
	appLogger "github.com/math-agent/backend/pkg/logger"
)

var version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the MCP protocol.
	output := cfg.Logging.OutputPath
	if output == "" || output == "stdout" {
		output = "stderr"
	}
	if err := appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, output); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	engine := mathtools.NewEngine()
	s := mcpserver.New(engine, version)

	appLogger.Info("Starting math tools MCP server", zap.Int("tools", len(engine.Catalog())))
	if err := server.ServeStdio(s); err != nil {
		appLogger.Fatal("MCP server stopped", zap.Error(err))
	}
}
