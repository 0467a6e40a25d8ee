package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustObs(t *testing.T, exchange, instrument string, ts time.Time, rate string, interval int64) model.FundingObservation {
	t.Helper()
	o, err := model.NewFundingObservation(exchange, instrument, ts, dec(rate), interval)
	if err != nil {
		t.Fatalf("NewFundingObservation: %v", err)
	}
	return o
}

func mustRecord(t *testing.T, s *FundingStore, obs ...model.FundingObservation) {
	t.Helper()
	for _, o := range obs {
		if err := s.Record(o); err != nil {
			t.Fatalf("Record(%s %s %s): %v", o.Exchange, o.Instrument, o.Timestamp, err)
		}
	}
}
