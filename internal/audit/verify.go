package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	States    map[string]int `json:"states,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

func broken(line int, format string, args ...any) VerifyResult {
	return VerifyResult{Error: fmt.Sprintf(format, args...), ErrorLine: line}
}

// Verify checks the hash chain of the audit log at path.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader checks that every entry's prev_hash is the hash of the line
// before it, starting from GenesisHash. It stops at the first broken link.
func VerifyReader(r io.Reader) VerifyResult {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	want := GenesisHash
	states := map[string]int{}
	n := 0
	for sc.Scan() {
		n++
		line := bytes.Clone(sc.Bytes())

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return broken(n, "parse error: %v", err)
		}
		if e.PrevHash != want {
			if n == 1 {
				return broken(n, "first entry prev_hash is %q, expected genesis hash", e.PrevHash)
			}
			return broken(n, "hash mismatch: expected %s, got %s", want, e.PrevHash)
		}
		states[e.State]++
		want = HashLine(line)
	}
	if err := sc.Err(); err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: n, States: states}
}
