package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hassgate/internal/config"
)

var (
	flagConfig      string
	flagMode        string
	flagURL         string
	flagAllowed     string
	flagNoVerifyTLS bool
	flagDebug       bool
)

var rootCmd = &cobra.Command{
	Use:   "hassgate",
	Short: "MCP gateway for Home Assistant",
	Long: "Exposes a Home Assistant hub to MCP clients over stdio.\n" +
		"Reads are always allowed. Service calls need readwrite mode and an allowlist match.\n\n" +
		"Configuration comes from HA_* environment variables, an optional YAML file (--config)\n" +
		"and flags, in increasing precedence. Running without a subcommand starts the server.",
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Path to a YAML config file")
	pf.StringVar(&flagMode, "mode", "", "Override HA_MCP_MODE (readonly|readwrite)")
	pf.StringVar(&flagURL, "url", "", "Override HA_URL")
	pf.StringVar(&flagAllowed, "allowed-services", "", "Override HA_ALLOWED_SERVICES (comma-separated patterns)")
	pf.BoolVar(&flagNoVerifyTLS, "no-verify-tls", false, "Disable TLS certificate verification")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func overrides() config.Overrides {
	return config.Overrides{
		ConfigFile:      flagConfig,
		Mode:            flagMode,
		URL:             flagURL,
		AllowedServices: flagAllowed,
		NoVerifyTLS:     flagNoVerifyTLS,
	}
}

// newLogger writes to stderr; stdout carries the MCP stream.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(overrides())
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	return cfg, nil
}
