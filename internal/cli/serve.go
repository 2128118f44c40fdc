package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hassgate/internal/audit"
	"github.com/ppiankov/hassgate/internal/authz"
	"github.com/ppiankov/hassgate/internal/config"
	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/hass"
	"github.com/ppiankov/hassgate/internal/mcp"
	"github.com/ppiankov/hassgate/internal/metrics"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/transport"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server on stdio",
	Long: "Runs hassgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"ha_call_service is registered only in readwrite mode, ha_get_full_logs only when SSH is enabled.",
	RunE: runServe,
}

// gateway is the wired dispatcher and hub for one configuration.
type gateway struct {
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	hub        *hass.Hub
	metrics    *metrics.Metrics
	closers    []io.Closer
}

func newGateway(cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	g := &gateway{cfg: cfg, metrics: metrics.New()}

	clients := map[transport.Channel]transport.Client{
		transport.ChannelREST: transport.NewREST(cfg.REST()),
	}
	ws, err := transport.NewWebSocket(cfg.WebSocket())
	if err != nil {
		return nil, fmt.Errorf("websocket: %w", err)
	}
	clients[transport.ChannelWebSocket] = ws
	g.closers = append(g.closers, ws)

	if cfg.SSH.Enabled {
		sh, err := transport.NewShell(cfg.Shell())
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("ssh: %w", err)
		}
		clients[transport.ChannelShell] = sh
	}

	opts := []dispatch.Option{dispatch.WithLogger(logger), dispatch.WithMetrics(g.metrics)}
	if cfg.AuditLog != "" {
		log, err := audit.Open(cfg.AuditLog)
		if err != nil {
			g.Close()
			return nil, err
		}
		opts = append(opts, dispatch.WithAudit(log))
		g.closers = append(g.closers, log)
	}

	g.dispatcher = dispatch.New(authz.NewGate(cfg.Policy()), clients, transport.NewRetrier(cfg.RetryPolicy()), opts...)
	g.hub = hass.New(g.dispatcher, hass.WithLogger(logger))
	return g, nil
}

// Close releases the WebSocket session and the audit log.
func (g *gateway) Close() error {
	var errs []error
	for _, c := range g.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	g, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}
	defer g.Close()

	srv := mcp.New(mcp.Config{
		Hub:        g.hub,
		ReadWrite:  cfg.Mode == model.ReadWrite,
		SSHEnabled: cfg.SSH.Enabled,
		Version:    version,
		Logger:     logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down MCP server")
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := g.metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	logger.Info("hassgate MCP server running on stdio",
		"version", version,
		"url", cfg.URL,
		"mode", cfg.Mode,
		"ssh", cfg.SSH.Enabled,
		"tools", len(srv.Tools()),
		"policy", g.dispatcher.Gate().Policy().Hash())

	err = srv.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
