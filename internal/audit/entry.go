package audit

// Terminal states recorded for each invocation.
const (
	StateDenied    = "denied"
	StateInvalid   = "invalid"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// Invocation is the flattened invocation recorded in each entry.
type Invocation struct {
	Tool     string `json:"tool,omitempty"`
	Kind     string `json:"kind"`
	Channel  string `json:"channel,omitempty"`
	Resource string `json:"resource"`
}

// Entry is one line in the hash-chained JSONL audit log.
// Fields are structs and scalars only so json.Marshal output is stable
// for hashing.
type Entry struct {
	Timestamp    string     `json:"ts"`
	InvocationID string     `json:"invocation_id"`
	Invocation   Invocation `json:"invocation"`
	Decision     string     `json:"decision"`
	Reason       string     `json:"reason,omitempty"`
	State        string     `json:"state"`
	Code         string     `json:"code,omitempty"`
	Attempts     int        `json:"attempts,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
	PolicyHash   string     `json:"policy_hash"`
	PrevHash     string     `json:"prev_hash"`
}
