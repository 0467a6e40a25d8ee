package monitor

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	EntryThreshold decimal.Decimal // 小时价差
}

func NewFormatter(threshold decimal.Decimal) *Formatter {
	return &Formatter{EntryThreshold: threshold}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

var hundred = decimal.NewFromInt(100)

// pct 小时费率按百分比显示
func pct(d decimal.Decimal) string {
	s := d.Mul(hundred).StringFixed(4) + "%"
	if !d.IsNegative() {
		s = "+" + s
	}
	return s
}

func (f *Formatter) Render(rows []Row, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(colorize("[FUNDARB] ", ansiDim))

	for i, row := range rows {
		if i > 0 {
			sb.WriteString(colorize("  ||  ", ansiDim))
		}
		sb.WriteString(row.Instrument)

		if len(row.Rates) == 0 {
			sb.WriteString(" --")
			continue
		}
		for _, r := range row.Rates {
			col := ansiYellow
			switch r.Dir {
			case DirUp:
				col = ansiGreen
			case DirDown:
				col = ansiRed
			}
			sb.WriteString(" ")
			sb.WriteString(colorize(r.Exchange+":"+pct(r.Hourly), col))
		}

		spread := "Δ=--"
		dCol := ansiYellow
		if row.Best != nil {
			spread = "Δ=" + pct(row.Best.Spread) + " L:" + row.Best.LongExchange() + " S:" + row.Best.ShortExchange()
			if row.Best.Spread.GreaterThanOrEqual(f.EntryThreshold) {
				dCol = ansiGreen
			}
		}
		sb.WriteString(" ")
		sb.WriteString(colorize(spread, dCol))
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
