package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/pairmeasure/internal/ports"
)

const windowSeconds = 900

// toCatalogMarket converts a Gamma event (with its single nested market)
// into the port's transport-neutral shape. It returns ok=false for events
// that cannot yield a usable market: no nested market, unresolvable
// token ids, or no derivable settlement time.
func toCatalogMarket(event gammaEvent) (ports.CatalogMarket, bool) {
	if len(event.Markets) == 0 {
		return ports.CatalogMarket{}, false
	}
	market := event.Markets[0]

	yes, no, ok := extractTokenIDs(market)
	if !ok {
		return ports.CatalogMarket{}, false
	}

	endISO := resolveSettlementISO(event, market)
	if endISO == "" {
		return ports.CatalogMarket{}, false
	}

	tick := market.OrderPriceMinTickSize
	if tick == "" {
		tick = "0.01"
	}

	return ports.CatalogMarket{
		ConditionID: market.ConditionID,
		MarketSlug:  event.Slug,
		Tokens: []ports.CatalogToken{
			{TokenID: yes, Outcome: "Up"},
			{TokenID: no, Outcome: "Down"},
		},
		MinimumTickSize: tick,
		EndDateISO:      endISO,
		Active:          !market.Closed && !event.Closed,
		AcceptingOrders: market.AcceptingOrders,
	}, true
}

// extractTokenIDs pairs clobTokenIds with outcomes, both of which the
// Gamma API sometimes serializes as a JSON-encoded string and sometimes
// as a native array depending on endpoint.
func extractTokenIDs(market gammaMarket) (yes, no string, ok bool) {
	ids := toStringSlice(market.ClobTokenIDs)
	outcomes := toStringSlice(market.Outcomes)
	if len(ids) < 2 || len(outcomes) < 2 {
		return "", "", false
	}
	for i := 0; i < len(ids) && i < len(outcomes); i++ {
		switch strings.ToLower(outcomes[i]) {
		case "up", "yes":
			yes = ids[i]
		case "down", "no":
			no = ids[i]
		}
	}
	return yes, no, yes != "" && no != ""
}

// toStringSlice accepts either a JSON array already decoded into []any,
// or a string holding a JSON-encoded array, and normalizes both to
// []string.
func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, toString(e))
		}
		return out
	case string:
		var decoded []any
		if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			return nil
		}
		return toStringSlice(decoded)
	default:
		return nil
	}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// resolveSettlementISO prefers the event-level endDate (a full ISO
// timestamp), falls back to the market's endDateIso, and as a last
// resort derives it from the slug's trailing window-start timestamp plus
// the fixed 900-second window length.
func resolveSettlementISO(event gammaEvent, market gammaMarket) string {
	if strings.Contains(event.EndDate, "T") {
		return event.EndDate
	}
	if strings.Contains(market.EndDateISO, "T") {
		return market.EndDateISO
	}
	idx := strings.LastIndex(event.Slug, "-")
	if idx < 0 {
		return ""
	}
	ts, err := strconv.ParseInt(event.Slug[idx+1:], 10, 64)
	if err != nil {
		return ""
	}
	return time.Unix(ts+windowSeconds, 0).UTC().Format(time.RFC3339)
}
