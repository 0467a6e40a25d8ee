package lighter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newServer(t *testing.T, fundings string, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var fundingCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/orderBooks", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":200,"order_books":[{"symbol":"ZEC","market_id":33,"status":"active"},{"symbol":"BTC","market_id":1,"status":"active"}]}`)
	})
	mux.HandleFunc("/api/v1/fundings", func(w http.ResponseWriter, r *http.Request) {
		n := fundingCalls.Add(1)
		if n <= failFirst {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		q := r.URL.Query()
		if q.Get("market_id") != "33" || q.Get("resolution") != "1h" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, fundings)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &fundingCalls
}

func TestFetchHistory(t *testing.T) {
	body := fmt.Sprintf(`{"code":200,"fundings":[
		{"timestamp":%d,"value":"0.0001","rate":"0.01","direction":"short"},
		{"timestamp":%d,"value":"0.0003","rate":"0.03","direction":"long"},
		{"timestamp":%d,"value":"0.0009","rate":"0.09","direction":"short"}
	]}`, t0.Unix(), t0.Add(time.Hour).Unix(), t0.Add(5*time.Hour).Unix())
	srv, _ := newServer(t, body, 0)

	src := NewSource(srv.URL)
	obs, err := src.FetchHistory(context.Background(), "zec", t0, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2 (out-of-window row dropped)", len(obs))
	}
	if obs[0].Exchange != "lighter" || obs[0].Instrument != "ZEC" || obs[0].IntervalSeconds != 3600 {
		t.Errorf("first = %+v", obs[0])
	}
	if !obs[0].Timestamp.Equal(t0) {
		t.Errorf("timestamp = %s, want %s (seconds)", obs[0].Timestamp, t0)
	}
	if !obs[1].Rate.Equal(decimal.RequireFromString("-0.0003")) {
		t.Errorf("long direction rate = %s, want -0.0003", obs[1].Rate)
	}
}

func TestFetchHistoryUnknownMarket(t *testing.T) {
	srv, calls := newServer(t, `{"fundings":[]}`, 0)
	_, err := NewSource(srv.URL).FetchHistory(context.Background(), "DOGE", t0, t0.Add(time.Hour))
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if calls.Load() != 0 {
		t.Errorf("fundings requested %d times for an unlisted market", calls.Load())
	}
}

func TestFetchHistoryRetries(t *testing.T) {
	body := fmt.Sprintf(`{"fundings":[{"timestamp":%d,"value":"0.0001","direction":"short"}]}`, t0.Unix())
	srv, calls := newServer(t, body, 2)

	obs, err := NewSource(srv.URL).WithRetryBackoff(time.Millisecond).FetchHistory(context.Background(), "ZEC", t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchHistory: %v", err)
	}
	if len(obs) != 1 || calls.Load() != 3 {
		t.Errorf("obs = %d, calls = %d; want 1 and 3", len(obs), calls.Load())
	}
}

func TestFetchHistoryGivesUp(t *testing.T) {
	srv, calls := newServer(t, `{}`, 10)
	_, err := NewSource(srv.URL).WithRetryBackoff(time.Millisecond).FetchHistory(context.Background(), "ZEC", t0, t0.Add(time.Hour))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v, want 503 after retries", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestFeedSubscribe(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil || sub.Channel != "market_stats/all" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"update/market_stats","channel":"market_stats:all","market_stats":{
			"33":{"market_id":33,"symbol":"ZEC","current_funding_rate":"0.0012","funding_timestamp":1740787200000},
			"1":{"market_id":1,"symbol":"BTC","current_funding_rate":"0.0001","funding_timestamp":1740787200000}}}`))
		// 保持连接直到客户端断开
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	feed.now = func() time.Time { return t0.Add(1500 * time.Millisecond) }

	ch, err := feed.Subscribe(ctx, []string{"zec"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case obs := <-ch:
		if obs.Instrument != "ZEC" || !obs.Rate.Equal(decimal.RequireFromString("0.0012")) {
			t.Errorf("obs = %+v", obs)
		}
		if !obs.Timestamp.Equal(t0.Add(time.Second)) {
			t.Errorf("timestamp = %s, want receive time truncated to the second", obs.Timestamp)
		}
	case <-ctx.Done():
		t.Fatal("no observation received")
	}

	cancel()
	for range ch {
		// drain until the feed closes the channel
	}
}

func TestFeedRequiresInstruments(t *testing.T) {
	if _, err := NewFeed("", nil).Subscribe(context.Background(), nil); err == nil {
		t.Error("expected error for empty instruments")
	}
}
