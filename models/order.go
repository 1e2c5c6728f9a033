package models

// Direction is the side of an order or position.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Opposite returns the closing direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderRequest is the body submitted for positions and working orders.
type OrderRequest struct {
	Epic           string    `json:"epic"`
	Direction      Direction `json:"direction"`
	Size           float64   `json:"size"`
	OrderType      OrderType `json:"type,omitempty"`
	Level          *float64  `json:"level,omitempty"`
	StopLevel      *float64  `json:"stopLevel,omitempty"`
	ProfitLevel    *float64  `json:"profitLevel,omitempty"`
	GoodTillDate   string    `json:"goodTillDate,omitempty"`
	GuaranteedStop bool      `json:"guaranteedStop"`
}

// CloseRequest references an existing deal to be closed by an opposing order.
type CloseRequest struct {
	DealID    string    `json:"dealId"`
	Direction Direction `json:"direction"`
	Size      float64   `json:"size"`
	OrderType OrderType `json:"orderType"`
}

// UpdateRequest modifies protective levels (and for working orders the level).
type UpdateRequest struct {
	Level        *float64 `json:"level,omitempty"`
	StopLevel    *float64 `json:"stopLevel,omitempty"`
	ProfitLevel  *float64 `json:"profitLevel,omitempty"`
	GoodTillDate string   `json:"goodTillDate,omitempty"`
}

// DealReferenceResponse is returned by every order-submitting endpoint.
type DealReferenceResponse struct {
	DealReference string `json:"dealReference"`
}

// Position is a broker-side open exposure.
type Position struct {
	DealID        string    `json:"dealId"`
	DealReference string    `json:"dealReference"`
	Epic          string    `json:"epic,omitempty"`
	Direction     Direction `json:"direction"`
	Size          float64   `json:"size"`
	Level         float64   `json:"level"`
	StopLevel     *float64  `json:"stopLevel,omitempty"`
	ProfitLevel   *float64  `json:"profitLevel,omitempty"`
	Currency      string    `json:"currency"`
	CreatedDate   string    `json:"createdDate"`
	Status        string    `json:"status,omitempty"`
}

type MarketSummary struct {
	Epic           string  `json:"epic"`
	InstrumentName string  `json:"instrumentName"`
	Bid            float64 `json:"bid"`
	Offer          float64 `json:"offer"`
	MarketStatus   string  `json:"marketStatus"`
}

// PositionEnvelope is one entry of GET /api/v1/positions.
type PositionEnvelope struct {
	Position Position      `json:"position"`
	Market   MarketSummary `json:"market"`
}

// Flatten copies the market epic into the position.
func (p PositionEnvelope) Flatten() Position {
	pos := p.Position
	if pos.Epic == "" {
		pos.Epic = p.Market.Epic
	}
	if pos.Status == "" {
		pos.Status = "OPEN"
	}
	return pos
}

type PositionsResponse struct {
	Positions []PositionEnvelope `json:"positions"`
}

// WorkingOrder is a pending limit or stop order.
type WorkingOrder struct {
	DealID       string    `json:"dealId"`
	Epic         string    `json:"epic"`
	Direction    Direction `json:"direction"`
	OrderSize    float64   `json:"orderSize"`
	OrderLevel   float64   `json:"orderLevel"`
	OrderType    OrderType `json:"orderType"`
	StopLevel    *float64  `json:"stopLevel,omitempty"`
	ProfitLevel  *float64  `json:"profitLevel,omitempty"`
	GoodTillDate string    `json:"goodTillDate,omitempty"`
	CreatedDate  string    `json:"createdDate"`
}

type WorkingOrderEnvelope struct {
	WorkingOrderData WorkingOrder  `json:"workingOrderData"`
	MarketData       MarketSummary `json:"marketData"`
}

type WorkingOrdersResponse struct {
	WorkingOrders []WorkingOrderEnvelope `json:"workingOrders"`
}

// Deal statuses reported by the confirmation endpoint.
const (
	DealStatusAccepted = "ACCEPTED"
	DealStatusRejected = "REJECTED"
)

type AffectedDeal struct {
	DealID string `json:"dealId"`
	Status string `json:"status"`
}

// DealConfirmation is the body of GET /api/v1/confirms/{dealReference}.
type DealConfirmation struct {
	Date          string         `json:"date"`
	Status        string         `json:"status"`
	DealStatus    string         `json:"dealStatus"`
	Epic          string         `json:"epic"`
	DealReference string         `json:"dealReference"`
	DealID        string         `json:"dealId"`
	AffectedDeals []AffectedDeal `json:"affectedDeals"`
	Level         float64        `json:"level"`
	Size          float64        `json:"size"`
	Direction     Direction      `json:"direction"`
	StopLevel     *float64       `json:"stopLevel,omitempty"`
	ProfitLevel   *float64       `json:"profitLevel,omitempty"`
	Reason        string         `json:"reason"`
	RejectReason  string         `json:"rejectReason"`
}

// RejectionReason returns the most specific reason the broker supplied.
func (c *DealConfirmation) RejectionReason() string {
	if c.RejectReason != "" {
		return c.RejectReason
	}
	if c.Reason != "" {
		return c.Reason
	}
	return "UNKNOWN"
}

// DealIDs returns the confirmed deal id plus any affected deals.
func (c *DealConfirmation) DealIDs() []string {
	ids := make([]string, 0, len(c.AffectedDeals)+1)
	if c.DealID != "" {
		ids = append(ids, c.DealID)
	}
	for _, d := range c.AffectedDeals {
		if d.DealID != "" {
			ids = append(ids, d.DealID)
		}
	}
	return ids
}

type AccountBalance struct {
	Balance    float64 `json:"balance"`
	Deposit    float64 `json:"deposit"`
	ProfitLoss float64 `json:"profitLoss"`
	Available  float64 `json:"available"`
}

type Account struct {
	AccountID   string         `json:"accountId"`
	AccountName string         `json:"accountName"`
	Status      string         `json:"status"`
	AccountType string         `json:"accountType"`
	Preferred   bool           `json:"preferred"`
	Currency    string         `json:"currency"`
	Balance     AccountBalance `json:"balance"`
}

type AccountsResponse struct {
	Accounts []Account `json:"accounts"`
}

type Transaction struct {
	Date            string `json:"date"`
	DateUTC         string `json:"dateUtc"`
	InstrumentName  string `json:"instrumentName"`
	TransactionType string `json:"transactionType"`
	Note            string `json:"note"`
	Reference       string `json:"reference"`
	Size            string `json:"size"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
}

type TransactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}
