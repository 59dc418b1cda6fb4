package symbol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	require.Equal(t, Symbol{Base: "BTC", Quote: "USDT"}, Parse("btcusdt"))
	require.Equal(t, Symbol{Base: "ETH", Quote: "USDT"}, Parse("ETH/USDT"))
	require.Equal(t, Symbol{Base: "SOL", Quote: "USDT"}, Parse("SOL/USDT:USDT"))
	require.Equal(t, Symbol{}, Parse("USDT"))
	require.Equal(t, Symbol{}, Parse(""))
}

func TestFormats(t *testing.T) {
	s := Parse("BTCUSDT")
	require.Equal(t, "BTC/USDT", s.Internal())
	require.Equal(t, "BTCUSDT", s.Binance())
	require.Equal(t, "ETHUSDT", ToBinance("eth/usdt"))
}

func TestNormalizeList(t *testing.T) {
	out := NormalizeList([]string{"btcusdt", "BTC/USDT", "ethusdt", "  "})
	require.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, out)
}

func TestIsValid(t *testing.T) {
	require.True(t, IsValid("BTCUSDT"))
	require.False(t, IsValid("NOTAPAIR"))
}
