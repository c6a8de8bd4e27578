package models

import "encoding/json"

// Stream operation codes carried in the "op" field of every frame.
const (
	OpConnection         = "connection"
	OpStatus             = "status"
	OpAuthentication     = "authentication"
	OpMarketSubscription = "marketSubscription"
	OpMarketChange       = "mcm"
)

// Change types carried in the "ct" field of a market change message. An
// absent ct means a regular delta.
const (
	ChangeTypeImage      = "SUB_IMAGE"
	ChangeTypeResubImage = "RESUB_IMAGE"
	ChangeTypeHeartbeat  = "HEARTBEAT"
)

// Market data filter field names accepted by the exchange.
const (
	FieldMarketDef      = "EX_MARKET_DEF"
	FieldAllOffers      = "EX_ALL_OFFERS"
	FieldBestOffersDisp = "EX_BEST_OFFERS_DISP"
	FieldTraded         = "EX_TRADED"
)

// ConnectionMessage is the first frame the exchange sends after the
// transport is established.
type ConnectionMessage struct {
	Op           string `json:"op"`
	ConnectionID string `json:"connectionId"`
}

// StatusMessage acknowledges authentication and subscription requests.
type StatusMessage struct {
	Op               string `json:"op"`
	ID               int    `json:"id,omitempty"`
	StatusCode       string `json:"statusCode"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ConnectionClosed *bool  `json:"connectionClosed,omitempty"`
}

// AuthenticationMessage is sent by the client right after the connection
// frame, carrying the app key and session token.
type AuthenticationMessage struct {
	Op      string `json:"op"`
	ID      int    `json:"id"`
	AppKey  string `json:"appKey"`
	Session string `json:"session"`
}

// MarketFilter names the markets a subscription covers.
type MarketFilter struct {
	MarketIDs []string `json:"marketIds"`
}

// MarketDataFilter selects which ladder fields the exchange streams.
type MarketDataFilter struct {
	Fields       []string `json:"fields"`
	LadderLevels int      `json:"ladderLevels,omitempty"`
}

// MarketSubscriptionMessage requests a market stream. The exchange replies
// with a status frame followed by a full image.
type MarketSubscriptionMessage struct {
	Op               string           `json:"op"`
	ID               int              `json:"id"`
	ConflateMs       int              `json:"conflateMs,omitempty"`
	HeartbeatMs      int              `json:"heartbeatMs,omitempty"`
	MarketFilter     MarketFilter     `json:"marketFilter"`
	MarketDataFilter MarketDataFilter `json:"marketDataFilter"`
}

// MarketChangeMessage is the tagged change frame: a full image, a sparse
// delta or a heartbeat, distinguished by ChangeType and the img flags on the
// individual market changes.
type MarketChangeMessage struct {
	Op          string         `json:"op"`
	ID          int            `json:"id,omitempty"`
	Seq         int64          `json:"seq"`
	PublishTime int64          `json:"pt"`
	ChangeType  string         `json:"ct,omitempty"`
	Changes     []MarketChange `json:"mc,omitempty"`
}

// MarketChange carries the changed fields for one market. When Image is set
// the change replaces all prior state for the market.
type MarketChange struct {
	MarketID         string            `json:"id"`
	Image            bool              `json:"img,omitempty"`
	TradedVolume     *float64          `json:"tv,omitempty"`
	MarketDefinition *MarketDefinition `json:"marketDefinition,omitempty"`
	RunnerChanges    []RunnerChange    `json:"rc,omitempty"`
}

// MarketDefinition describes market level status and the runner roster.
type MarketDefinition struct {
	Status  string             `json:"status,omitempty"`
	InPlay  *bool              `json:"inPlay,omitempty"`
	Runners []RunnerDefinition `json:"runners,omitempty"`
}

// RunnerDefinition pairs a runner with its current status.
type RunnerDefinition struct {
	ID     int64  `json:"id"`
	Status string `json:"status,omitempty"`
}

// RunnerChange carries the ladder changes for one runner. Level arrays are
// [price, volume] pairs; a zero volume removes the level.
type RunnerChange struct {
	ID              int64       `json:"id"`
	AvailableToBack [][]float64 `json:"atb,omitempty"`
	AvailableToLay  [][]float64 `json:"atl,omitempty"`
	Traded          [][]float64 `json:"trd,omitempty"`
	TradedVolume    *float64    `json:"tv,omitempty"`
	LastPriceTraded *float64    `json:"ltp,omitempty"`
}

// IsHeartbeat reports whether the message carries no ladder state.
func (m *MarketChangeMessage) IsHeartbeat() bool {
	return m.ChangeType == ChangeTypeHeartbeat
}

// IsImage reports whether the message replaces prior state for marketID.
func (m *MarketChangeMessage) IsImage(marketID string) bool {
	if m.ChangeType == ChangeTypeImage || m.ChangeType == ChangeTypeResubImage {
		return true
	}
	for i := range m.Changes {
		if m.Changes[i].MarketID == marketID && m.Changes[i].Image {
			return true
		}
	}
	return false
}

// PeekOp extracts the op field so a frame can be routed before full decoding.
func PeekOp(frame []byte) (string, error) {
	var probe struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", err
	}
	return probe.Op, nil
}
