package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFetchHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/fundingRate" || r.URL.Query().Get("symbol") != "ZECUSDT" {
			http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `[{"symbol":"ZECUSDT","fundingRate":"0.00010000","fundingTime":%d},{"symbol":"ZECUSDT","fundingRate":"-0.00020000","fundingTime":%d}]`,
			t0.UnixMilli(), t0.Add(8*time.Hour).UnixMilli())
	}))
	defer srv.Close()

	src := NewFundingSource(srv.URL)
	obs, err := src.FetchHistory(context.Background(), "zec", t0, t0.Add(8*time.Hour))
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d, want 2", len(obs))
	}
	if obs[0].Instrument != "ZEC" || obs[0].Exchange != "binance" || obs[0].IntervalSeconds != 28800 {
		t.Errorf("first = %+v", obs[0])
	}
	if !obs[1].Rate.Equal(decimal.RequireFromString("-0.0002")) {
		t.Errorf("rate = %s", obs[1].Rate)
	}

	if _, err := src.FetchHistory(context.Background(), "NOPE", t0, t0.Add(time.Hour)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("invalid symbol err = %v, want ErrNotFound", err)
	}
}

func TestFetchLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"symbol":"BTCUSDT","markPrice":"60000","lastFundingRate":"0.0001","nextFundingTime":0,"time":%[1]d},
			{"symbol":"ETHUSDT","markPrice":"3000","lastFundingRate":"0.0003","nextFundingTime":0,"time":%[1]d},
			{"symbol":"BTCUSDC","markPrice":"60000","lastFundingRate":"0.0009","nextFundingTime":0,"time":%[1]d}
		]`, t0.UnixMilli())
	}))
	defer srv.Close()

	obs, err := NewFundingSource(srv.URL).FetchLatest(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if len(obs) != 1 || obs[0].Instrument != "BTC" || !obs[0].Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("latest = %+v", obs)
	}
	if !obs[0].Timestamp.Equal(t0) {
		t.Errorf("timestamp = %s", obs[0].Timestamp)
	}
}
