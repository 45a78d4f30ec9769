// Package notify implements the console reporting surface: a pure
// consumer of engine status that has no bearing on measurement
// correctness.
package notify

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

// Console implements ports.Notifier, printing cycle summaries and
// terminal attempt outcomes to an output stream.
type Console struct {
	out io.Writer
}

// NewConsole builds a Console writing to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter builds a Console writing to w, for tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// ReportCycle renders one row per monitored market.
func (c *Console) ReportCycle(statuses []ports.MonitorStatus) {
	if len(statuses) == 0 {
		return
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Asset", "Market", "State", "Cycle", "Active", "Paired", "Failed", "Anomalies", "Remaining")

	for _, st := range statuses {
		table.Append(
			st.CryptoAsset,
			st.MarketID,
			st.State,
			fmt.Sprintf("%d", st.CycleNumber),
			fmt.Sprintf("%d", st.ActiveAttempts),
			fmt.Sprintf("%d", st.TotalPairs),
			fmt.Sprintf("%d", st.TotalFailed),
			fmt.Sprintf("%d", st.AnomalyCount),
			fmt.Sprintf("%.0fs", st.TimeRemainingSeconds),
		)
	}
	table.Render()
}

// ReportAttempt logs a single line when an attempt is created or
// transitions terminal, cheap enough to call on every event.
func (c *Console) ReportAttempt(a domain.Attempt) {
	now := time.Now().Format("15:04:05")
	if a.Status == domain.AttemptActive {
		fmt.Fprintf(c.out, "[%s] %s attempt #%d created: first_leg=%s P1=%d opposite_trigger=%d\n",
			now, a.MarketID, a.AttemptID, a.FirstLegSide, a.P1Points, a.OppositeTriggerPoints)
		return
	}

	switch a.Status {
	case domain.AttemptCompletedPaired:
		cost, profit := 0, 0
		if a.PairCostPoints != nil {
			cost = *a.PairCostPoints
		}
		if a.PairProfitPoints != nil {
			profit = *a.PairProfitPoints
		}
		fmt.Fprintf(c.out, "[%s] %s attempt #%d PAIRED: cost=%d profit=%d\n",
			now, a.MarketID, a.AttemptID, cost, profit)
	case domain.AttemptCompletedFailed:
		reason := "unknown"
		if a.FailReason != nil {
			reason = string(*a.FailReason)
		}
		fmt.Fprintf(c.out, "[%s] %s attempt #%d FAILED: reason=%s\n",
			now, a.MarketID, a.AttemptID, reason)
	}
}

// ReportMarketSettled prints the final per-market summary line.
func (c *Console) ReportMarketSettled(m domain.Market) {
	now := time.Now().Format("15:04:05")
	pairRate := 0.0
	if m.PairRate != nil {
		pairRate = *m.PairRate
	}
	fmt.Fprintf(c.out, "[%s] %s SETTLED: attempts=%d pairs=%d failed=%d pair_rate=%.2f anomalies=%d\n",
		now, m.MarketID, m.TotalAttempts, m.TotalPairs, m.TotalFailed, pairRate, m.AnomalyCount)
}
