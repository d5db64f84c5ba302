package cache

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Table identifies one of the domain tables of the store.
type Table string

// Domain tables. COT reports share the on-chain table.
const (
	TableMarketPrice    Table = "market_price"
	TableMacroIndicator Table = "macro_indicator"
	TableFundamentals   Table = "fundamentals"
	TableCryptoOnChain  Table = "crypto_onchain"
)

// ErrUnknownTable is returned for table names outside Tables().
var ErrUnknownTable = errors.New("unknown cache table")

// Tables lists every domain table in sweep order.
func Tables() []Table {
	return []Table{TableMarketPrice, TableMacroIndicator, TableFundamentals, TableCryptoOnChain}
}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	switch t {
	case TableMarketPrice, TableMacroIndicator, TableFundamentals, TableCryptoOnChain:
		return true
	}
	return false
}

// ParseTable parses a table name.
func ParseTable(s string) (Table, error) {
	t := Table(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, s)
	}
	return t, nil
}

// Key is the composite identity of a row. String returns the canonical,
// normalized encoding used as the storage key within Table.
type Key interface {
	comparable
	Table() Table
	String() string
	// Validate rejects keys missing their identifying components.
	Validate() error
}

// requireParts returns ErrInvalidCacheKey naming the first blank component.
func requireParts(kind string, parts ...[2]string) error {
	for _, p := range parts {
		if strings.TrimSpace(p[1]) == "" {
			return fmt.Errorf("%w: %s key needs %s", ErrInvalidCacheKey, kind, p[0])
		}
	}
	return nil
}

// keySep joins key components. Components are trimmed and may not contain it.
const keySep = "|"

func joinKey(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.TrimSpace(p), keySep, "_")
	}
	return strings.Join(parts, keySep)
}

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// MarketKey identifies a price quote.
type MarketKey struct {
	Symbol     string
	AssetClass string
	Source     string
}

// Asset classes with a dedicated TTL category.
const (
	AssetClassCrypto     = "crypto"
	AssetClassVolatility = "volatility"
)

// Table implements Key.
func (MarketKey) Table() Table { return TableMarketPrice }

// String implements Key.
func (k MarketKey) String() string {
	return joinKey(upper(k.Symbol), lower(k.AssetClass), lower(k.Source))
}

// Validate implements Key.
func (k MarketKey) Validate() error { return requireParts("market", [2]string{"symbol", k.Symbol}) }

// Category maps the asset class to its TTL category.
func (k MarketKey) Category() Category {
	switch lower(k.AssetClass) {
	case AssetClassCrypto:
		return CategoryCryptoQuote
	case AssetClassVolatility:
		return CategoryVolatility
	default:
		return CategoryQuote
	}
}

// MacroKey identifies a macro indicator series (FRED id, fear & greed index, ...).
type MacroKey struct {
	Indicator string
}

// Table implements Key.
func (MacroKey) Table() Table { return TableMacroIndicator }

// String implements Key.
func (k MacroKey) String() string { return joinKey(lower(k.Indicator)) }

// Validate implements Key.
func (k MacroKey) Validate() error {
	return requireParts("macro", [2]string{"indicator", k.Indicator})
}

// FundamentalsKey identifies one financial statement.
type FundamentalsKey struct {
	Symbol        string
	StatementType string
	Period        string
	FiscalYear    int
}

// Table implements Key.
func (FundamentalsKey) Table() Table { return TableFundamentals }

// String implements Key.
func (k FundamentalsKey) String() string {
	return joinKey(upper(k.Symbol), lower(k.StatementType), lower(k.Period), strconv.Itoa(k.FiscalYear))
}

// Validate implements Key.
func (k FundamentalsKey) Validate() error {
	return requireParts("fundamentals", [2]string{"symbol", k.Symbol}, [2]string{"statement type", k.StatementType})
}

// OnChainKey identifies a crypto on-chain metric.
type OnChainKey struct {
	Asset  string
	Metric string
}

// Table implements Key.
func (OnChainKey) Table() Table { return TableCryptoOnChain }

// String implements Key.
func (k OnChainKey) String() string { return joinKey("onchain", upper(k.Asset), lower(k.Metric)) }

// Validate implements Key.
func (k OnChainKey) Validate() error {
	return requireParts("on-chain", [2]string{"asset", k.Asset}, [2]string{"metric", k.Metric})
}

// COTKey identifies a CFTC Commitments of Traders report for a market.
type COTKey struct {
	Market string
}

// Table implements Key.
func (COTKey) Table() Table { return TableCryptoOnChain }

// String implements Key.
func (k COTKey) String() string { return joinKey("cot", upper(k.Market)) }

// Validate implements Key.
func (k COTKey) Validate() error { return requireParts("cot", [2]string{"market", k.Market}) }
