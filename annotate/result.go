package annotate

import (
	"time"

	"github.com/hazyhaar/satlens/annotate/internal/walker"
)

// Status is the overall outcome of a scan.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial" // a budget stopped a walk early
	StatusSkipped   Status = "skipped" // the context is restricted
	StatusInvalid   Status = "invalid"
	StatusFailed    Status = "failed"
)

// Termination reasons beyond the walker's own.
const (
	ReasonCompleted     = string(walker.Completed)
	ReasonOperations    = string(walker.OperationsLimitReached)
	ReasonStack         = string(walker.StackLimitReached)
	ReasonInvalidInput  = "invalid_input"
	ReasonRestricted    = "restricted"
	ReasonInternalError = "internal_error"
	ReasonNoScan        = "no_scan"
)

// PassStats are the counters of one walker pass.
type PassStats struct {
	NodesProcessed int            `json:"nodes_processed"`
	Conversions    int            `json:"conversions"`
	Containers     int            `json:"containers"`
	Operations     int            `json:"operations"`
	Failures       map[string]int `json:"failures,omitempty"`
	Termination    string         `json:"termination"`
}

func passStats(st walker.Stats) PassStats {
	return PassStats{
		NodesProcessed: st.NodesProcessed,
		Conversions:    st.Conversions,
		Containers:     st.Containers,
		Operations:     st.Operations,
		Failures:       st.Failures,
		Termination:    string(st.Termination),
	}
}

// ScanResult is produced once per Scan or ProcessSubtree call.
type ScanResult struct {
	ID                string        `json:"id"`
	Kind              string        `json:"kind"` // "scan" or "incremental"
	Status            Status        `json:"status"`
	NodesProcessed    int           `json:"nodes_processed"`
	Conversions       int           `json:"conversions"`
	Containers        int           `json:"containers"`
	Duration          time.Duration `json:"duration"`
	TerminationReason string        `json:"termination_reason"`
	Verdict           Verdict       `json:"verdict"`
	Targeted          PassStats     `json:"targeted"`
	Full              PassStats     `json:"full"`
}

// Failures sums the per-reason container failures of both passes.
func (r ScanResult) Failures() map[string]int {
	out := make(map[string]int)
	for _, m := range []map[string]int{r.Targeted.Failures, r.Full.Failures} {
		for k, v := range m {
			out[k] += v
		}
	}
	return out
}

// OK reports whether the scan ran to completion.
func (r ScanResult) OK() bool { return r.Status == StatusCompleted }
