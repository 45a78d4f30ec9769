package ports

import "github.com/alejandrodnm/pairmeasure/internal/domain"

// MonitorStatus is a point-in-time summary of one market monitor, consumed
// by the console reporting surface. It is a read-only projection — nothing
// in the data plane depends on a Notifier being present.
type MonitorStatus struct {
	MarketID            string
	CryptoAsset         string
	State               string
	CycleNumber         int
	ActiveAttempts      int
	TotalPairs          int
	TotalFailed         int
	AnomalyCount        int
	TimeRemainingSeconds float64
}

// Notifier renders engine status to an external surface (console, log
// aggregator). It is a pure consumer: nothing about it is required for
// correctness of the measurement engine.
type Notifier interface {
	ReportCycle(statuses []MonitorStatus)
	ReportAttempt(a domain.Attempt)
	ReportMarketSettled(m domain.Market)
}
