package polymarket

// gammaEvent is the shape of one element of the Gamma API's /events
// response: an event wraps exactly one binary market for the 15-minute
// up/down series.
type gammaEvent struct {
	Slug      string        `json:"slug"`
	StartTime string        `json:"startTime"`
	EndDate   string        `json:"endDate"`
	Closed    bool          `json:"closed"`
	Markets   []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID          string `json:"conditionId"`
	ClobTokenIDs         any    `json:"clobTokenIds"` // JSON string or []string, both observed
	Outcomes             any    `json:"outcomes"`     // JSON string or []string
	OrderPriceMinTickSize string `json:"orderPriceMinTickSize"`
	AcceptingOrders      bool   `json:"acceptingOrders"`
	Closed               bool   `json:"closed"`
	EndDateISO           string `json:"endDateIso"`
}

type gammaEventsResponse []gammaEvent

// clobBookResponse is the shape of a single CLOB /book response.
type clobBookResponse struct {
	AssetID string           `json:"asset_id"`
	Bids    []clobBookLevel  `json:"bids"`
	Asks    []clobBookLevel  `json:"asks"`
}

type clobBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// clobMidpointResponse is the shape of a CLOB /midpoint response.
type clobMidpointResponse struct {
	Mid string `json:"mid"`
}

// clobPriceResponse is the shape of a CLOB /price response.
type clobPriceResponse struct {
	Price string `json:"price"`
}

// clobBooksRequestItem is one element of the batch body accepted by
// POST /books.
type clobBooksRequestItem struct {
	TokenID string `json:"token_id"`
}

// wsSubscribeMessage matches the market channel subscribe envelope
// expected by the CLOB websocket endpoint.
type wsSubscribeMessage struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// wsMessage is the loosely-typed envelope every market-channel event
// arrives in; event_type selects how the remaining fields are read.
type wsMessage struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Market    string          `json:"market"`
	Bids      []clobBookLevel `json:"bids"`
	Asks      []clobBookLevel `json:"asks"`
	BestBid   string          `json:"best_bid"`
	BestAsk   string          `json:"best_ask"`
	Price     string          `json:"price"`
	Side      string          `json:"side"`
	TickSize  string          `json:"tick_size"`
}
