package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hassgate/internal/hass"
)

var doctorTimeout time.Duration

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 30*time.Second, "Overall timeout for the hub checks")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration and hub connectivity",
	Long: "Prints the effective configuration (without secrets), pings the hub over REST\n" +
		"and, when SSH is enabled, runs whoami on the hub host.",
	RunE: runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	logger := newLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		printChecks(out, []checkResult{{label: "configuration", detail: err.Error(), fix: "set HA_URL and HA_TOKEN"}})
		return errors.New("doctor found issues")
	}

	fmt.Fprintln(out, "Configuration:")
	for _, row := range cfg.Summary() {
		fmt.Fprintf(out, "  %-20s %s\n", row[0]+":", row[1])
	}
	fmt.Fprintln(out)

	g, err := newGateway(cfg, logger)
	if err != nil {
		printChecks(out, []checkResult{{label: "transports", detail: err.Error()}})
		return errors.New("doctor found issues")
	}
	defer g.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
	defer cancel()

	checks := []checkResult{pingCheck(ctx, g.hub)}
	if cfg.SSH.Enabled {
		checks = append(checks, sshCheck(ctx, g.hub))
	}
	for _, w := range cfg.Warnings() {
		checks = append(checks, checkResult{label: "warning", ok: true, detail: w})
	}

	if !printChecks(out, checks) {
		return errors.New("doctor found issues")
	}
	return nil
}

func pingCheck(ctx context.Context, h *hass.Hub) checkResult {
	res, err := h.Ping(ctx)
	if err != nil {
		return checkResult{label: "hub API", detail: err.Error(), fix: "check HA_URL and HA_TOKEN"}
	}
	return checkResult{label: "hub API", ok: true, detail: fmt.Sprintf("%s (version %s)", res.Message, res.Version)}
}

func sshCheck(ctx context.Context, h *hass.Hub) checkResult {
	st := h.TestSSH(ctx)
	if !st.Success {
		return checkResult{label: "ssh", detail: st.Error, fix: "check HA_SSH_* settings"}
	}
	return checkResult{label: "ssh", ok: true, detail: "connected as " + st.User}
}

// printChecks writes one line per check and reports whether all passed.
func printChecks(w io.Writer, checks []checkResult) bool {
	allOK := true
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			allOK = false
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w)
	if allOK {
		fmt.Fprintln(w, "All checks passed.")
	} else {
		fmt.Fprintln(w, "Some checks failed.")
	}
	return allOK
}
