package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/marketcache/internal/engine/cache"
)

func TestKeyNormalization(t *testing.T) {
	tests := []struct {
		name  string
		a, b  interface{ String() string }
		table cache.Table
		want  string
	}{
		{
			name:  "market",
			a:     cache.MarketKey{Symbol: "aapl ", AssetClass: "Equity", Source: " YAHOO"},
			b:     cache.MarketKey{Symbol: "AAPL", AssetClass: "equity", Source: "yahoo"},
			table: cache.TableMarketPrice,
			want:  "AAPL|equity|yahoo",
		},
		{
			name:  "macro",
			a:     cache.MacroKey{Indicator: "DGS10"},
			b:     cache.MacroKey{Indicator: " dgs10"},
			table: cache.TableMacroIndicator,
			want:  "dgs10",
		},
		{
			name:  "fundamentals",
			a:     cache.FundamentalsKey{Symbol: "msft", StatementType: "Income", Period: "FY", FiscalYear: 2024},
			b:     cache.FundamentalsKey{Symbol: "MSFT", StatementType: "income", Period: "fy", FiscalYear: 2024},
			table: cache.TableFundamentals,
			want:  "MSFT|income|fy|2024",
		},
		{
			name:  "onchain",
			a:     cache.OnChainKey{Asset: "btc", Metric: "HashRate"},
			b:     cache.OnChainKey{Asset: "BTC", Metric: "hashrate"},
			table: cache.TableCryptoOnChain,
			want:  "onchain|BTC|hashrate",
		},
		{
			name:  "cot",
			a:     cache.COTKey{Market: "gold"},
			b:     cache.COTKey{Market: "GOLD"},
			table: cache.TableCryptoOnChain,
			want:  "cot|GOLD",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.String())
			assert.Equal(t, tt.a.String(), tt.b.String())
			assert.Equal(t, tt.table, tt.a.(interface{ Table() cache.Table }).Table())
		})
	}
}

func TestKeySeparatorIsEscaped(t *testing.T) {
	k := cache.MarketKey{Symbol: "A|B", AssetClass: "equity", Source: "fmp"}
	assert.Equal(t, "A_B|equity|fmp", k.String())
}

func TestMarketKeyCategory(t *testing.T) {
	assert.Equal(t, cache.CategoryCryptoQuote, cache.MarketKey{Symbol: "BTCUSDT", AssetClass: "Crypto"}.Category())
	assert.Equal(t, cache.CategoryVolatility, cache.MarketKey{Symbol: "^VIX", AssetClass: "volatility"}.Category())
	assert.Equal(t, cache.CategoryQuote, cache.MarketKey{Symbol: "SPY", AssetClass: "etf"}.Category())
}

func TestParseTable(t *testing.T) {
	table, err := cache.ParseTable(" Market_Price ")
	require.NoError(t, err)
	assert.Equal(t, cache.TableMarketPrice, table)

	_, err = cache.ParseTable("news")
	assert.ErrorIs(t, err, cache.ErrUnknownTable)

	assert.Len(t, cache.Tables(), 4)
	for _, table := range cache.Tables() {
		assert.True(t, table.Valid())
	}
}

func TestKeyValidate(t *testing.T) {
	valid := []interface{ Validate() error }{
		cache.MarketKey{Symbol: "AAPL"},
		cache.MacroKey{Indicator: "DGS10"},
		cache.FundamentalsKey{Symbol: "MSFT", StatementType: "income"},
		cache.OnChainKey{Asset: "BTC", Metric: "hash_rate"},
		cache.COTKey{Market: "GOLD"},
	}
	for _, k := range valid {
		assert.NoError(t, k.Validate(), "%#v", k)
	}

	invalid := []interface{ Validate() error }{
		cache.MarketKey{},
		cache.MarketKey{Symbol: "  ", AssetClass: "equity", Source: "yahoo"},
		cache.MacroKey{},
		cache.FundamentalsKey{FiscalYear: 2024},
		cache.FundamentalsKey{Symbol: "MSFT"},
		cache.OnChainKey{Asset: "BTC"},
		cache.COTKey{},
	}
	for _, k := range invalid {
		assert.ErrorIs(t, k.Validate(), cache.ErrInvalidCacheKey, "%#v", k)
	}
}
