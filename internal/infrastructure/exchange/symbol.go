package exchange

import (
	"strings"
)

// SymbolConverter 币种与交易所合约名互转
type SymbolConverter interface {
	// Symbol2Coin 例: ZECUSDT -> ZEC, ZEC-USD -> ZEC
	Symbol2Coin(symbol string) string

	// Coin2Symbol 例: ZEC -> ZECUSDT
	Coin2Symbol(coin string) string

	SymbolSuffix() string
}

// CommonSymbolConverter 后缀型合约名（币种 + 固定后缀）
type CommonSymbolConverter struct {
	suffix string
}

func NewCommonSymbolConverter(suffix string) *CommonSymbolConverter {
	return &CommonSymbolConverter{suffix: strings.ToUpper(strings.TrimSpace(suffix))}
}

func (c *CommonSymbolConverter) SymbolSuffix() string {
	return c.suffix
}

// Symbol2Coin 只去掉末尾的后缀
func (c *CommonSymbolConverter) Symbol2Coin(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return ""
	}
	return strings.TrimSuffix(sym, c.suffix)
}

// Coin2Symbol 已带后缀时原样返回
func (c *CommonSymbolConverter) Coin2Symbol(coin string) string {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	if coin == "" {
		return ""
	}
	if strings.HasSuffix(coin, c.suffix) {
		return coin
	}
	return coin + c.suffix
}
