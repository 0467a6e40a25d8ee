package s3archive

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fundarb/internal/application/port"
	"fundarb/internal/domain/model"
)

// ObjectWriter *Bucket 实现；测试中替换为内存实现
type ObjectWriter interface {
	Upload(ctx context.Context, key string, body []byte) error
}

var _ port.Archiver = (*Archiver)(nil)

// Archiver 每天一个文件：{prefix}/2025-03-01.jsonl
type Archiver struct {
	writer ObjectWriter
	prefix string
}

func NewArchiver(w ObjectWriter, prefix string) *Archiver {
	return &Archiver{writer: w, prefix: strings.Trim(strings.TrimSpace(prefix), "/")}
}

// ArchiveDay 只写入 day 当天（UTC）的记录，按时间排序后上传；返回对象 key
// 当天没有记录时不上传，返回空 key
func (a *Archiver) ArchiveDay(ctx context.Context, day time.Time, obs []model.FundingObservation) (string, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)

	rows := make([]archiveRecord, 0, len(obs))
	for _, o := range obs {
		ts := o.Timestamp.UTC()
		if ts.Before(start) || !ts.Before(end) {
			continue
		}
		rows = append(rows, newArchiveRecord(o))
	}
	if len(rows) == 0 {
		return "", nil
	}
	slices.SortStableFunc(rows, func(x, y archiveRecord) int {
		if c := cmp.Compare(x.TsMs, y.TsMs); c != 0 {
			return c
		}
		if c := cmp.Compare(x.Exchange, y.Exchange); c != 0 {
			return c
		}
		return cmp.Compare(x.Instrument, y.Instrument)
	})

	buf, err := marshalJSONL(rows)
	if err != nil {
		return "", fmt.Errorf("s3archive: marshal %s: %w", start.Format(time.DateOnly), err)
	}

	key := a.Key(start)
	if err := a.writer.Upload(ctx, key, buf); err != nil {
		return "", err
	}

	log.Info().Str("key", key).Int("rows", len(rows)).Int("bytes", len(buf)).Msg("funding snapshot archived")
	return key, nil
}

// Key 归档对象路径
func (a *Archiver) Key(day time.Time) string {
	name := day.UTC().Format(time.DateOnly) + ".jsonl"
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// archiveRecord 费率以字符串保存，避免浮点误差
type archiveRecord struct {
	Exchange        string `json:"exchange"`
	Instrument      string `json:"instrument"`
	TsMs            int64  `json:"ts_ms"`
	Rate            string `json:"rate"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

func newArchiveRecord(o model.FundingObservation) archiveRecord {
	return archiveRecord{
		Exchange:        o.Exchange,
		Instrument:      o.Instrument,
		TsMs:            o.Timestamp.UnixMilli(),
		Rate:            o.Rate.String(),
		IntervalSeconds: o.IntervalSeconds,
	}
}

// marshalJSONL 每条记录一行紧凑 JSON
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
