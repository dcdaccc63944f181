// Package archive mirrors finalized call segments to an S3-compatible
// bucket as WAV objects. The archive is optional and best effort; the
// backend upload remains the system of record.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/MrWong99/callrelay/pkg/audio"
)

// Config holds the bucket settings.
type Config struct {
	// Endpoint is the S3 API base URL. Empty means AWS; anything else
	// switches to path-style addressing (MinIO, R2, Garage).
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string

	// Prefix is prepended to every object key.
	Prefix string

	// Timeout bounds a single upload. Default: 30s.
	Timeout time.Duration
}

// Enabled reports whether an archive bucket is configured.
func (c Config) Enabled() bool { return c.Bucket != "" }

// Sink writes segments to the bucket. It is safe for concurrent use.
type Sink struct {
	client  *s3.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// New creates a Sink for cfg.
func New(cfg Config) (*Sink, error) {
	if !cfg.Enabled() {
		return nil, errors.New("archive: bucket not configured")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Region = region
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			if cfg.AccessKeyID != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
			}
		},
	}
	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sink{
		client:  s3.New(s3.Options{}, options...),
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: timeout,
	}, nil
}

// Key returns the object key for one segment:
// {prefix}/calls/{callKey}/segments/{role}/{index:04d}.wav.
func (s *Sink) Key(callKey, role string, index int) string {
	return path.Join(s.prefix, "calls", sanitize(callKey), "segments", sanitize(role), fmt.Sprintf("%04d.wav", index))
}

// PutSegment frames pcm (PCM16 mono) as WAV and uploads it.
func (s *Sink) PutSegment(ctx context.Context, callKey, role string, index int, pcm []byte, sampleRate int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body := audio.WAV(pcm, sampleRate, 1)
	key := s.Key(callKey, role, index)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("audio/wav"),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

// Check verifies the bucket is reachable.
func (s *Sink) Check(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("archive: head bucket %s: %w", s.bucket, err)
	}
	return nil
}

// sanitize keeps key segments free of path separators.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}
