package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hassgate/internal/authz"
	"github.com/ppiankov/hassgate/internal/config"
	"github.com/ppiankov/hassgate/internal/dispatch"
	"github.com/ppiankov/hassgate/internal/model"
	"github.com/ppiankov/hassgate/internal/scenario"
)

var errCheckFailed = errors.New("check failed")

var (
	checkScenario string
	checkFormat   string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkScenario, "scenario", "", "Glob pattern for scenario YAML files")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check [domain.service ...]",
	Short: "Show gate decisions for service calls without calling the hub",
	Long: "Evaluates each domain.service argument against the configured mode and allowlist.\n" +
		"With --scenario, runs the assertions in matching YAML files instead.\n\n" +
		"Exit code 0 if every service is allowed (or every assertion passes), 1 otherwise.\n" +
		"HA_URL and HA_TOKEN are not needed.",
	RunE: runCheck,
}

// serviceDecision is one row of `hassgate check` output.
type serviceDecision struct {
	Service string `json:"service"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	if checkScenario == "" && len(args) == 0 {
		return errors.New("pass at least one domain.service or --scenario")
	}

	policy, rejected, err := config.LoadPolicy(overrides())
	if err != nil {
		return err
	}
	for _, p := range rejected {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: ignoring invalid service pattern %q\n", p)
	}

	out := cmd.OutOrStdout()
	var ok bool
	if checkScenario != "" {
		ok, err = checkScenarios(out, checkScenario, checkFormat, policy)
	} else {
		ok, err = checkServices(out, args, checkFormat, policy)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errCheckFailed
	}
	return nil
}

func checkServices(w io.Writer, services []string, format string, policy *authz.Policy) (bool, error) {
	d := dispatch.New(authz.NewGate(policy), nil, nil)

	allOK := true
	rows := make([]serviceDecision, 0, len(services))
	for _, svc := range services {
		row := serviceDecision{Service: svc}
		decision, err := d.Check(model.Invocation{Tool: "check", Kind: model.ServiceCall, Service: svc})
		switch {
		case err != nil:
			row.Reason = dispatch.CodeOf(err)
			row.Message = err.Error()
		case decision.Allowed:
			row.Allowed = true
		default:
			row.Reason = string(decision.Reason)
			row.Message = d.Explain(decision, svc)
		}
		allOK = allOK && row.Allowed
		rows = append(rows, row)
	}

	if format == "json" {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return false, err
		}
		fmt.Fprintln(w, string(data))
		return allOK, nil
	}

	fmt.Fprintf(w, "mode: %s  policy: %s\n\n", policy.Mode, policy.Hash())
	for _, r := range rows {
		if r.Allowed {
			fmt.Fprintf(w, "  ALLOW  %s\n", r.Service)
			continue
		}
		fmt.Fprintf(w, "  DENY   %-40s %s\n", r.Service, r.Reason)
		if r.Message != "" {
			fmt.Fprintf(w, "         %s\n", r.Message)
		}
	}
	return allOK, nil
}

func checkScenarios(w io.Writer, pattern, format string, policy *authz.Policy) (bool, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid glob pattern: %w", err)
	}
	if len(matches) == 0 {
		return false, fmt.Errorf("no scenario files match pattern: %s", pattern)
	}

	var results []*scenario.RunResult
	for _, path := range matches {
		r, err := scenario.LoadAndRun(path, policy)
		if err != nil {
			return false, err
		}
		results = append(results, r)
	}

	switch format {
	case "json":
		data, err := scenario.FormatJSON(results)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(w, data)
	default:
		fmt.Fprint(w, scenario.FormatText(results))
	}

	for _, r := range results {
		if r.Failed > 0 {
			return false, nil
		}
	}
	return true, nil
}
