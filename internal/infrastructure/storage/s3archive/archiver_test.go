package s3archive

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundarb/internal/domain/model"
)

type fakeWriter struct {
	key  string
	body []byte
	err  error
}

func (f *fakeWriter) Upload(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.key, f.body = key, body
	return nil
}

var day = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func obs(t *testing.T, ex string, ts time.Time, rate string) model.FundingObservation {
	t.Helper()
	o, err := model.NewFundingObservation(ex, "ZEC", ts, decimal.RequireFromString(rate), 3600)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestArchiveDayWritesOnlyThatDay(t *testing.T) {
	w := &fakeWriter{}
	a := NewArchiver(w, "/funding/")

	key, err := a.ArchiveDay(context.Background(), day.Add(13*time.Hour), []model.FundingObservation{
		obs(t, "lighter", day.Add(2*time.Hour), "0.0002"),
		obs(t, "extended", day.Add(-time.Hour), "0.08"),
		obs(t, "lighter", day.Add(24*time.Hour), "0.0003"),
		obs(t, "extended", day, "0.08"),
	})
	if err != nil {
		t.Fatalf("ArchiveDay: %v", err)
	}
	if key != "funding/2025-03-01.jsonl" || w.key != key {
		t.Errorf("key = %s, written %s", key, w.key)
	}
	if multipart(len(w.body)) {
		t.Errorf("%d bytes sent as multipart", len(w.body))
	}

	lines := strings.Split(strings.TrimSpace(string(w.body)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), w.body)
	}
	if !strings.Contains(lines[0], `"exchange":"extended"`) || !strings.Contains(lines[0], `"rate":"0.08"`) {
		t.Errorf("first line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"exchange":"lighter"`) {
		t.Errorf("second line = %s", lines[1])
	}
}

func TestArchiveDayEmpty(t *testing.T) {
	w := &fakeWriter{}
	key, err := NewArchiver(w, "funding").ArchiveDay(context.Background(), day, nil)
	if err != nil || key != "" || w.key != "" {
		t.Errorf("empty day: key=%q err=%v written=%q", key, err, w.key)
	}
}

func TestArchiveDayPropagatesWriteError(t *testing.T) {
	boom := errors.New("bucket gone")
	w := &fakeWriter{err: boom}
	_, err := NewArchiver(w, "").ArchiveDay(context.Background(), day, []model.FundingObservation{obs(t, "lighter", day, "0.0001")})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestKeyWithoutPrefix(t *testing.T) {
	if got := NewArchiver(nil, "").Key(day); got != "2025-03-01.jsonl" {
		t.Errorf("Key = %s", got)
	}
}

func TestMarshalJSONLNoHTMLEscape(t *testing.T) {
	b, err := marshalJSONL([]map[string]string{{"a": "<b>"}, {"a": "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, []byte("{\"a\":\"<b>\"}\n{\"a\":\"c\"}\n")) {
		t.Errorf("jsonl = %q", b)
	}
}

func TestMultipartThreshold(t *testing.T) {
	if multipart(5 * 1024 * 1024) {
		t.Error("exactly one part must use PutObject")
	}
	if !multipart(5*1024*1024 + 1) {
		t.Error("more than one part must use multipart upload")
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		in     string
		useSSL bool
		want   string
	}{
		{"minio:9000", false, "http://minio:9000"},
		{"minio:9000", true, "https://minio:9000"},
		{"https://s3.example.com", false, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := endpointURL(tt.in, tt.useSSL); got != tt.want {
			t.Errorf("endpointURL(%q, %v) = %s, want %s", tt.in, tt.useSSL, got, tt.want)
		}
	}
}

func TestOpenRequiresBucketAndRegion(t *testing.T) {
	if _, err := Open(context.Background(), Options{Region: "us-east-1"}); err == nil {
		t.Error("expected bucket error")
	}
	if _, err := Open(context.Background(), Options{Bucket: "b"}); err == nil {
		t.Error("expected region error")
	}
}
