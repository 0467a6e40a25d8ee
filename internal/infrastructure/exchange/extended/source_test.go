package extended

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
		if r.URL.Path != "/api/v1/info/ZEC-USD/funding" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("startTime"); got != fmt.Sprint(t0.UnixMilli()) {
			http.Error(w, "startTime "+got, http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, `{"status":"OK","data":[
			{"m":"ZEC-USD","T":%d,"f":"0.08"},
			{"m":"ZEC-USD","T":%d,"f":"-0.0004"}
		]}`, t0.UnixMilli(), t0.Add(8*time.Hour).UnixMilli())
	}))
	defer srv.Close()

	obs, err := NewSource(srv.URL+"/api/v1").FetchHistory(context.Background(), "zec", t0, t0.Add(8*time.Hour))
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2", len(obs))
	}
	first := obs[0]
	if first.Exchange != "extended" || first.Instrument != "ZEC" || first.IntervalSeconds != 8*3600 {
		t.Errorf("first = %+v", first)
	}
	if !first.Timestamp.Equal(t0) {
		t.Errorf("timestamp = %s, want %s (milliseconds)", first.Timestamp, t0)
	}
	// 0.08 per 8h = 0.01 per hour
	if !first.HourlyRate().Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("hourly = %s, want 0.01", first.HourlyRate())
	}
	if !obs[1].Rate.Equal(decimal.RequireFromString("-0.0004")) {
		t.Errorf("second rate = %s", obs[1].Rate)
	}
}

func TestFetchHistoryUnknownMarket(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewSource(srv.URL).FetchHistory(context.Background(), "NOPE", t0, t0.Add(time.Hour))
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFetchLatestSkipsFailingInstrument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info/BTC-USD/funding" {
			http.NotFound(w, r)
			return
		}
		now := time.Now().UTC()
		fmt.Fprintf(w, `{"status":"OK","data":[{"m":"BTC-USD","T":%d,"f":"0.0001"},{"m":"BTC-USD","T":%d,"f":"0.0002"}]}`,
			now.Add(-2*time.Hour).UnixMilli(), now.Add(-time.Hour).UnixMilli())
	}))
	defer srv.Close()

	obs, err := NewSource(srv.URL).WithRetryBackoff(time.Millisecond).FetchLatest(context.Background(), []string{"BTC", "NOPE"})
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if len(obs) != 1 || !obs[0].Rate.Equal(decimal.RequireFromString("0.0002")) {
		t.Fatalf("latest = %+v, want the newest BTC row only", obs)
	}
}
