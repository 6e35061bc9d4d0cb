// Package media stores submission evidence in S3-compatible object storage.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// MaxEvidenceSize is the largest photo accepted for upload.
const MaxEvidenceSize = 10 << 20

var (
	ErrNotConfigured   = errors.New("evidence storage not configured")
	ErrUnsupportedType = errors.New("unsupported evidence content type")
	ErrTooLarge        = errors.New("evidence exceeds maximum size")
	ErrForeignKey      = errors.New("object key does not belong to assignment")
)

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/heic": ".heic",
}

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	// PublicBaseURL is prefixed to object keys to build photo URLs. When empty the
	// path-style endpoint URL is used.
	PublicBaseURL string
}

func (c S3Config) configured() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Object is a stored piece of evidence.
type Object struct {
	Key string `json:"key"`
	URL string `json:"photo_url"`
}

type Store struct {
	cfg    S3Config
	client s3Client
}

// NewStore returns an evidence store. Without bucket credentials every operation
// fails with ErrNotConfigured.
func NewStore(cfg S3Config) *Store {
	s := &Store{cfg: cfg}
	if cfg.configured() {
		s.client = newS3Client(cfg)
	}
	return s
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (s *Store) Enabled() bool {
	return s.client != nil
}

// Prefix returns the key prefix evidence for an assignment is stored under.
func Prefix(householdID, assignmentID int64) string {
	return fmt.Sprintf("evidence/%d/%d/", householdID, assignmentID)
}

// Put uploads a photo for an assignment under a fresh key.
func (s *Store) Put(ctx context.Context, householdID, assignmentID int64, contentType string, data []byte) (*Object, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	contentType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	ext, ok := extensions[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	if len(data) > MaxEvidenceSize {
		return nil, ErrTooLarge
	}

	key := Prefix(householdID, assignmentID) + uuid.New().String() + ext
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("upload evidence: %w", err)
	}
	return &Object{Key: key, URL: s.URL(key)}, nil
}

// Delete removes an uploaded photo. The key must live under the assignment's prefix.
func (s *Store) Delete(ctx context.Context, householdID, assignmentID int64, key string) error {
	if s.client == nil {
		return ErrNotConfigured
	}
	if !strings.HasPrefix(key, Prefix(householdID, assignmentID)) || strings.Contains(key, "..") {
		return ErrForeignKey
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete evidence: %w", err)
	}
	return nil
}

// URL returns the public URL of an object key.
func (s *Store) URL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key
	}
	return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
}
