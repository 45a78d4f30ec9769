package notify

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alejandrodnm/pairmeasure/internal/domain"
	"github.com/alejandrodnm/pairmeasure/internal/ports"
	"github.com/stretchr/testify/assert"
)

func TestConsole_ReportAttempt_Created(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)
	c.ReportAttempt(domain.Attempt{
		MarketID: "btc-updown-15m-1", AttemptID: 1, Status: domain.AttemptActive,
		FirstLegSide: domain.SideYES, P1Points: 39, OppositeTriggerPoints: 48,
	})
	assert.Contains(t, buf.String(), "attempt #1 created")
	assert.Contains(t, buf.String(), "P1=39")
}

func TestConsole_ReportAttempt_Paired(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)
	cost, profit := 86, 14
	c.ReportAttempt(domain.Attempt{
		MarketID: "btc-updown-15m-1", AttemptID: 1, Status: domain.AttemptCompletedPaired,
		PairCostPoints: &cost, PairProfitPoints: &profit,
	})
	assert.Contains(t, buf.String(), "PAIRED")
	assert.Contains(t, buf.String(), "cost=86")
}

func TestConsole_ReportCycle(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)
	c.ReportCycle([]ports.MonitorStatus{{MarketID: "btc-updown-15m-1", CryptoAsset: "btc", State: "ACTIVE", CycleNumber: 4}})
	assert.True(t, strings.Contains(buf.String(), "btc-updown-15m-1"))
}

func TestConsole_ReportMarketSettled(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsoleWriter(&buf)
	rate := 0.5
	c.ReportMarketSettled(domain.Market{MarketID: "btc-updown-15m-1", TotalAttempts: 4, TotalPairs: 2, TotalFailed: 2, PairRate: &rate})
	assert.Contains(t, buf.String(), "SETTLED")
}
