package polymarket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCatalogMarket_StringEncodedFields(t *testing.T) {
	event := gammaEvent{
		Slug:    "btc-updown-15m-1700000000",
		EndDate: "2026-08-06T12:15:00Z",
		Markets: []gammaMarket{{
			ConditionID:           "0xabc",
			ClobTokenIDs:          `["111111111111111111111111", "222222222222222222222222"]`,
			Outcomes:              `["Up", "Down"]`,
			OrderPriceMinTickSize: "0.01",
			AcceptingOrders:       true,
		}},
	}
	cm, ok := toCatalogMarket(event)
	require.True(t, ok)
	assert.Equal(t, "btc-updown-15m-1700000000", cm.MarketSlug)
	assert.Equal(t, "111111111111111111111111", cm.Tokens[0].TokenID)
	assert.Equal(t, "222222222222222222222222", cm.Tokens[1].TokenID)
	assert.True(t, cm.Active)
	assert.True(t, cm.AcceptingOrders)
	assert.Equal(t, "2026-08-06T12:15:00Z", cm.EndDateISO)
}

func TestToCatalogMarket_NativeArrayFields(t *testing.T) {
	event := gammaEvent{
		Slug:    "eth-updown-15m-1700000900",
		EndDate: "2026-08-06T12:30:00Z",
		Markets: []gammaMarket{{
			ClobTokenIDs: []any{"333", "444"},
			Outcomes:     []any{"Down", "Up"},
		}},
	}
	cm, ok := toCatalogMarket(event)
	require.True(t, ok)
	assert.Equal(t, "444", cm.Tokens[0].TokenID)
	assert.Equal(t, "333", cm.Tokens[1].TokenID)
}

func TestToCatalogMarket_MissingTokensRejected(t *testing.T) {
	event := gammaEvent{
		Slug:    "btc-updown-15m-1700000000",
		EndDate: "2026-08-06T12:15:00Z",
		Markets: []gammaMarket{{ClobTokenIDs: `["only-one"]`, Outcomes: `["Up"]`}},
	}
	_, ok := toCatalogMarket(event)
	assert.False(t, ok)
}

func TestResolveSettlementISO_DerivesFromSlugWhenMissing(t *testing.T) {
	event := gammaEvent{Slug: "btc-updown-15m-1700000000"}
	got := resolveSettlementISO(event, gammaMarket{})
	assert.Equal(t, "2023-11-14T22:28:20Z", got)
}

func TestToCatalogMarket_NoMarketsRejected(t *testing.T) {
	_, ok := toCatalogMarket(gammaEvent{Slug: "x"})
	assert.False(t, ok)
}
