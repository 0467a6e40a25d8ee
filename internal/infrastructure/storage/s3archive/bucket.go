// Package s3archive 把每日资金费率快照以 JSONL 形式归档到 S3 兼容存储
// （AWS S3 / MinIO / R2，通过 Endpoint 指定）。
package s3archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	contentType = "application/x-ndjson"
	// S3 分片上传的最小分片；超过一个分片的快照走分片上传
	partSize int64 = 5 * 1024 * 1024
)

// Options 对应配置中的 [storage.s3]
type Options struct {
	Endpoint       string // 为空时使用 AWS 官方地址
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	UseSSL         bool // 仅在 Endpoint 不带 scheme 时生效
	ForcePathStyle bool
}

// Bucket 快照写入的目标 bucket
var _ ObjectWriter = (*Bucket)(nil)

type Bucket struct {
	api  *s3.Client
	name string
}

func Open(ctx context.Context, opts Options) (*Bucket, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("s3archive: bucket name is required")
	}
	if strings.TrimSpace(opts.Region) == "" {
		return nil, fmt.Errorf("s3archive: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	// 未配置密钥时走默认凭证链
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3archive: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(opts.Endpoint, opts.UseSSL))
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &Bucket{api: api, name: opts.Bucket}, nil
}

// Ping 启动时确认 bucket 可访问
func (b *Bucket) Ping(ctx context.Context) error {
	if _, err := b.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.name)}); err != nil {
		return fmt.Errorf("s3archive: bucket %s unreachable: %w", b.name, err)
	}
	return nil
}

// Upload 写入一个 JSONL 对象
func (b *Bucket) Upload(ctx context.Context, key string, body []byte) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(b.name),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if !multipart(len(body)) {
		if _, err := b.api.PutObject(ctx, in); err != nil {
			return fmt.Errorf("s3archive: put %s: %w", key, err)
		}
		return nil
	}
	uploader := manager.NewUploader(b.api, func(u *manager.Uploader) { u.PartSize = partSize })
	if _, err := uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3archive: multipart upload %s: %w", key, err)
	}
	return nil
}

func multipart(size int) bool { return int64(size) > partSize }

// endpointURL "minio:9000" 这类不带 scheme 的地址按 UseSSL 补全
func endpointURL(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
