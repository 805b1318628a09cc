// Package archive uploads compressed compliance exports to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
)

// PutObjectAPI is the part of *s3.Client used by the Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configure the S3 client.
type Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
}

// Archiver writes zstd-compressed objects keyed by tenant and date.
type Archiver struct {
	api    PutObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// New builds an Archiver over an existing client.
func New(api PutObjectAPI, bucket, prefix string) *Archiver {
	return &Archiver{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// NewS3 creates the AWS client from opts. Static credentials are used when both
// keys are set, otherwise the default AWS credential chain applies.
func NewS3(ctx context.Context, opts Options) (*Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loaders := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return New(client, opts.Bucket, opts.Prefix), nil
}

// Put compresses data and stores it as <prefix>/<tenant>/<yyyy>/<mm>/<dd>/<name>.zst.
// It returns the object key.
func (a *Archiver) Put(ctx context.Context, tenantID, name, contentType string, data []byte) (string, error) {
	if tenantID == "" || name == "" {
		return "", fmt.Errorf("archive: tenant and name are required")
	}
	compressed, err := compress(data)
	if err != nil {
		return "", err
	}
	day := a.now().UTC().Format("2006/01/02")
	key := path.Join(a.prefix, tenantID, day, path.Base(name)+".zst")

	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(compressed),
		ContentLength:        aws.Int64(int64(len(compressed))),
		ContentType:          aws.String(contentType),
		ContentEncoding:      aws.String("zstd"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata:             map[string]string{"tenant-id": tenantID},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zstd close: %w", err)
	}
	return buf.Bytes(), nil
}
