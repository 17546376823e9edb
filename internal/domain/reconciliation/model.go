package reconciliation

import (
	"time"

	"github.com/ehr/revleak/pkg/money"
)

type Status string

const (
	StatusBalanced         Status = "BALANCED"
	StatusVarianceDetected Status = "VARIANCE_DETECTED"
)

// Report is the reconciliation of one calendar day:
// Variance = ExpectedTotal - ActualTotal - ResolvedLeakTotal.
type Report struct {
	Date              string       `json:"date"`
	ExpectedTotal     money.Amount `json:"expected_total"`
	ActualTotal       money.Amount `json:"actual_total"`
	ResolvedLeakTotal money.Amount `json:"resolved_leak_total"`
	Variance          money.Amount `json:"variance"`
	Tolerance         money.Amount `json:"tolerance"`
	Status            Status       `json:"status"`
	ComputedAt        time.Time    `json:"computed_at"`
	Closed            bool         `json:"closed"`
}

func newReport(date string, expected, actual, resolved, tolerance money.Amount) *Report {
	r := &Report{
		Date:              date,
		ExpectedTotal:     expected,
		ActualTotal:       actual,
		ResolvedLeakTotal: resolved,
		Tolerance:         tolerance,
	}
	r.Variance = expected - actual - resolved
	r.Status = StatusVarianceDetected
	if r.Variance.Abs() <= tolerance {
		r.Status = StatusBalanced
	}
	return r
}

// Run is a maximal stretch of consecutive days with unexplained variance.
type Run struct {
	From     string       `json:"from"`
	To       string       `json:"to"`
	Days     int          `json:"days"`
	Variance money.Amount `json:"variance"`
}

// UnreconciledRuns groups consecutive VARIANCE_DETECTED reports. reports
// must be in chronological, gap-free order as returned by Summary.
func UnreconciledRuns(reports []*Report) []Run {
	var (
		runs []Run
		cur  *Run
	)
	for _, r := range reports {
		if r.Status != StatusVarianceDetected {
			cur = nil
			continue
		}
		if cur == nil {
			runs = append(runs, Run{From: r.Date})
			cur = &runs[len(runs)-1]
		}
		cur.To = r.Date
		cur.Days++
		cur.Variance += r.Variance
	}
	return runs
}
