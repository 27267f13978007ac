// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upload

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of *s3.Client used by S3Transport.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config describes an S3-compatible bucket (AWS, MinIO, R2).
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a path-style client with static credentials.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// S3Transport writes each entry as its own object keyed by entry id, so a
// retried batch overwrites rather than duplicates.
type S3Transport struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Transport returns a transport writing under prefix in bucket.
func NewS3Transport(client S3API, bucket, prefix string) (*S3Transport, error) {
	if client == nil || bucket == "" {
		return nil, fmt.Errorf("upload: s3 client and bucket are required")
	}
	return &S3Transport{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// ObjectKey returns the key for an entry: <prefix>/<deviceId>/<entryId>.json.
func (t *S3Transport) ObjectKey(deviceID, entryID string) string {
	return path.Join(t.prefix, deviceID, entryID+".json")
}

// Send puts every entry in b. The first failure aborts the batch; entries
// already written are rewritten identically on the next attempt.
func (t *S3Transport) Send(ctx context.Context, b Batch) error {
	for _, e := range b.Logs {
		data, err := e.Encode()
		if err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
		_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(t.bucket),
			Key:           aws.String(t.ObjectKey(b.DeviceID, e.ID)),
			Body:          bytes.NewReader(data),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(data))),
			Metadata: map[string]string{
				"device-id":   b.DeviceID,
				"app-version": b.AppVersion,
			},
		})
		if err != nil {
			return fmt.Errorf("%w: put %s: %v", ErrNetwork, e.ID, err)
		}
	}
	return nil
}
