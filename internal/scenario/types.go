package scenario

// Expected outcomes of a case.
const (
	ExpectAllow   = "allow"
	ExpectDeny    = "deny"
	ExpectInvalid = "invalid"
)

// Case is one assertion within a scenario. Kind defaults to service_call.
type Case struct {
	Kind    string `yaml:"kind,omitempty"`
	Service string `yaml:"service,omitempty"`
	Expect  string `yaml:"expect"`
	// Reason optionally pins the denial code, e.g. not_in_allowlist.
	Reason string `yaml:"reason,omitempty"`
}

// Scenario is a named collection of gate assertions. Mode, AllowedServices
// and SSHEnable, when set, replace the configured policy for this file.
type Scenario struct {
	Name            string  `yaml:"name"`
	Mode            string  `yaml:"mode,omitempty"`
	AllowedServices *string `yaml:"allowed_services,omitempty"`
	SSHEnable       *bool   `yaml:"ssh_enable,omitempty"`
	Cases           []Case  `yaml:"cases"`
}

// CaseResult is the outcome of evaluating one case.
type CaseResult struct {
	Index    int    `json:"index"`
	Passed   bool   `json:"passed"`
	Kind     string `json:"kind"`
	Service  string `json:"service,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Reason   string `json:"reason,omitempty"`
}

// RunResult is the outcome of running all cases in one scenario file.
type RunResult struct {
	File       string       `json:"file"`
	Name       string       `json:"name"`
	PolicyHash string       `json:"policy_hash"`
	Total      int          `json:"total"`
	Passed     int          `json:"passed"`
	Failed     int          `json:"failed"`
	Cases      []CaseResult `json:"cases"`
}
