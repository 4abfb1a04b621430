package models

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus is the canonical order state. The venue reports status both
// as integers and as strings depending on endpoint generation; both forms
// decode into this enum.
//
// Integer codes: -1 cancelled, 0 open, 1 partially filled (live),
// 2 filled, 3 partially filled then cancelled, 4 cancelling.
type OrderStatus int

const (
	StatusUnknown OrderStatus = iota
	StatusOpen
	StatusPartialLive
	StatusCancelling
	StatusFilled
	StatusCancelled
	StatusPartialFilled
)

// Terminal reports whether no further transition can occur for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusPartialFilled:
		return true
	}
	return false
}

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusPartialLive:
		return "partial_live"
	case StatusCancelling:
		return "cancelling"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusPartialFilled:
		return "partial_filled"
	}
	return "unknown"
}

// UnmarshalJSON accepts both the integer and the string form.
func (s *OrderStatus) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	if code, err := strconv.Atoi(raw); err == nil {
		*s = statusFromCode(code)
		return nil
	}
	*s = statusFromName(raw)
	return nil
}

func statusFromCode(code int) OrderStatus {
	switch code {
	case -1:
		return StatusCancelled
	case 0:
		return StatusOpen
	case 1:
		return StatusPartialLive
	case 2:
		return StatusFilled
	case 3:
		return StatusPartialFilled
	case 4:
		return StatusCancelling
	}
	return StatusUnknown
}

func statusFromName(name string) OrderStatus {
	switch strings.ToLower(name) {
	case "open", "unfilled":
		return StatusOpen
	case "filled":
		return StatusFilled
	case "cancelled", "canceled":
		return StatusCancelled
	case "partial", "partial_filled", "partially_filled":
		return StatusPartialFilled
	case "cancelling":
		return StatusCancelling
	}
	return StatusUnknown
}

// PendingOrder tracks one submitted order until a terminal status is
// observed.
type PendingOrder struct {
	OrderID       string
	Symbol        string
	Side          Side
	Entry         float64
	CorrelationID string
}

// OutcomeResult classifies a closed trade.
type OutcomeResult string

const (
	ResultSuccess OutcomeResult = "SUCCESS"
	ResultFailure OutcomeResult = "FAILURE"
)

// TradeOutcome is published exactly once per pending order when its
// terminal status is observed. It is immutable after publish.
type TradeOutcome struct {
	CorrelationID string        `json:"correlation_id"`
	Symbol        string        `json:"symbol"`
	Side          Side          `json:"side"`
	Entry         float64       `json:"entry"`
	Exit          float64       `json:"exit"`
	ClosedAt      int64         `json:"closed_at"`
	Result        OutcomeResult `json:"result"`
}

// Outcome applies the direction rule: a buy wins when it exits above entry,
// a sell wins when it exits below.
func Outcome(side Side, entry, exit float64) OutcomeResult {
	if (side == SideBuy && exit > entry) || (side == SideSell && exit < entry) {
		return ResultSuccess
	}
	return ResultFailure
}

// OrderInfo is the decoded order_info response used by the lifecycle
// monitor.
type OrderInfo struct {
	OrderID  string      `json:"order_id"`
	Symbol   string      `json:"symbol"`
	Status   OrderStatus `json:"status"`
	Price    FlexFloat   `json:"price"`
	AvgPrice FlexFloat   `json:"avg_price"`
}

// ExitPrice prefers the average execution price when present.
func (i OrderInfo) ExitPrice() float64 {
	if i.AvgPrice != 0 {
		return float64(i.AvgPrice)
	}
	return float64(i.Price)
}

var _ json.Unmarshaler = (*OrderStatus)(nil)
