package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// PayloadKind tags the payload stored in a Record.
type PayloadKind string

// Payload kinds, one per domain.
const (
	KindQuote     PayloadKind = "quote"
	KindMacro     PayloadKind = "macro"
	KindStatement PayloadKind = "statement"
	KindOnChain   PayloadKind = "onchain"
	KindCOT       PayloadKind = "cot"
)

// Table returns the table rows of this kind live in, or "" for unknown kinds.
func (k PayloadKind) Table() Table {
	switch k {
	case KindQuote:
		return TableMarketPrice
	case KindMacro:
		return TableMacroIndicator
	case KindStatement:
		return TableFundamentals
	case KindOnChain, KindCOT:
		return TableCryptoOnChain
	}
	return ""
}

// Payload is a domain value that can be cached.
// Validate is run before every write and after every read.
type Payload interface {
	Kind() PayloadKind
	Validate() error
}

// ErrInvalidPayload wraps every payload validation failure.
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(kind PayloadKind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, kind, fmt.Sprintf(format, args...))
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// Quote is a spot price for a market symbol.
type Quote struct {
	Price         float64   `json:"price"`
	Change        float64   `json:"change,omitempty"`
	ChangePercent float64   `json:"change_percent,omitempty"`
	Volume        float64   `json:"volume,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	AsOf          time.Time `json:"as_of,omitzero"`
}

// Kind implements Payload.
func (Quote) Kind() PayloadKind { return KindQuote }

// Validate implements Payload.
func (q Quote) Validate() error {
	if !finite(q.Price) || q.Price <= 0 {
		return invalid(KindQuote, "price must be positive, got %v", q.Price)
	}
	if !finite(q.Change) || !finite(q.ChangePercent) || !finite(q.Volume) || q.Volume < 0 {
		return invalid(KindQuote, "change, change percent and volume must be finite and volume non-negative")
	}
	return nil
}

// Trend is the direction of a macro series between two observations.
type Trend string

// Trend values.
const (
	TrendUp      Trend = "up"
	TrendDown    Trend = "down"
	TrendFlat    Trend = "flat"
	TrendUnknown Trend = "unknown"
)

// MacroObservation is the latest value of a macro indicator.
// Value is normalized from whatever shape the upstream returned; Raw keeps
// the original for inspection.
type MacroObservation struct {
	Value      float64         `json:"value"`
	Previous   *float64        `json:"previous,omitempty"`
	Unit       string          `json:"unit,omitempty"`
	ObservedAt time.Time       `json:"observed_at,omitzero"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// Kind implements Payload.
func (MacroObservation) Kind() PayloadKind { return KindMacro }

// Validate implements Payload.
func (m MacroObservation) Validate() error {
	if !finite(m.Value) {
		return invalid(KindMacro, "value must be finite, got %v", m.Value)
	}
	if m.Previous != nil && !finite(*m.Previous) {
		return invalid(KindMacro, "previous value must be finite")
	}
	return nil
}

// Trend compares Value with Previous.
func (m MacroObservation) Trend() Trend {
	if m.Previous == nil {
		return TrendUnknown
	}
	switch {
	case m.Value > *m.Previous:
		return TrendUp
	case m.Value < *m.Previous:
		return TrendDown
	default:
		return TrendFlat
	}
}

// Statement is a financial statement (income, balance sheet, cash flow).
type Statement struct {
	Currency   string             `json:"currency,omitempty"`
	ReportedAt time.Time          `json:"reported_at,omitzero"`
	Fields     map[string]float64 `json:"fields"`
}

// Kind implements Payload.
func (Statement) Kind() PayloadKind { return KindStatement }

// Validate implements Payload.
func (s Statement) Validate() error {
	if len(s.Fields) == 0 {
		return invalid(KindStatement, "statement has no fields")
	}
	for name, v := range s.Fields {
		if !finite(v) {
			return invalid(KindStatement, "field %q is not finite", name)
		}
	}
	return nil
}

// OnChainMetric is a crypto on-chain measurement (hash rate, active addresses, ...).
type OnChainMetric struct {
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// Kind implements Payload.
func (OnChainMetric) Kind() PayloadKind { return KindOnChain }

// Validate implements Payload.
func (m OnChainMetric) Validate() error {
	if !finite(m.Value) {
		return invalid(KindOnChain, "value must be finite, got %v", m.Value)
	}
	return nil
}

// COTReport is a weekly CFTC Commitments of Traders position report.
type COTReport struct {
	ReportDate         time.Time `json:"report_date"`
	OpenInterest       int64     `json:"open_interest"`
	NonCommercialLong  int64     `json:"non_commercial_long"`
	NonCommercialShort int64     `json:"non_commercial_short"`
	CommercialLong     int64     `json:"commercial_long"`
	CommercialShort    int64     `json:"commercial_short"`
}

// Kind implements Payload.
func (COTReport) Kind() PayloadKind { return KindCOT }

// Validate implements Payload.
func (r COTReport) Validate() error {
	if r.ReportDate.IsZero() {
		return invalid(KindCOT, "report date is required")
	}
	for _, v := range []int64{r.OpenInterest, r.NonCommercialLong, r.NonCommercialShort, r.CommercialLong, r.CommercialShort} {
		if v < 0 {
			return invalid(KindCOT, "position counts must be non-negative")
		}
	}
	return nil
}

// NetNonCommercial returns speculative net positioning.
func (r COTReport) NetNonCommercial() int64 {
	return r.NonCommercialLong - r.NonCommercialShort
}

// EncodePayload validates p and returns its kind and JSON encoding.
func EncodePayload(p Payload) (PayloadKind, json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), data, nil
}

// DecodePayload decodes data into V after checking that kind matches V.
func DecodePayload[V Payload](kind PayloadKind, data json.RawMessage) (V, error) {
	var v V
	if want := v.Kind(); kind != want {
		return v, fmt.Errorf("%w: stored %q, requested %q", ErrKindMismatch, kind, want)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal %s payload: %w", kind, err)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}
	return v, nil
}
