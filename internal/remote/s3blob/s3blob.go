// Package s3blob stores medical file uploads in an S3 bucket.
package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/wolfman30/patient-portal/internal/remote"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket string
	// PublicBaseURL prefixes object keys in returned URLs. Defaults to the
	// virtual-hosted bucket URL.
	PublicBaseURL string
	Region        string
	MaxBytes      int64
}

// Store implements remote.BlobStore.
type Store struct {
	client S3API
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

func New(client S3API, cfg Config, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if cfg.PublicBaseURL == "" && cfg.Bucket != "" {
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		cfg.PublicBaseURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}
	return &Store{client: client, cfg: cfg, logger: logger, now: time.Now}
}

func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Enabled reports whether a bucket and client are configured.
func (s *Store) Enabled() bool {
	return s != nil && s.cfg.Bucket != "" && s.client != nil
}

// ObjectKey returns the storage path {userId}/{unixMillis}_{fileName}.
func ObjectKey(userID string, at time.Time, fileName string) string {
	name := strings.ReplaceAll(strings.TrimSpace(fileName), "/", "_")
	return fmt.Sprintf("%s/%d_%s", userID, at.UnixMilli(), name)
}

func (s *Store) UploadBlob(ctx context.Context, data []byte, meta remote.BlobMetadata) (string, error) {
	if !s.Enabled() {
		return "", remote.ValidationError("file storage is not configured", nil)
	}
	if strings.TrimSpace(meta.UserID) == "" {
		return "", remote.AuthError("missing user")
	}
	if strings.TrimSpace(meta.FileName) == "" {
		return "", remote.ValidationError("file name required", map[string]string{"file_name": "required"})
	}
	if s.cfg.MaxBytes > 0 && int64(len(data)) > s.cfg.MaxBytes {
		return "", remote.QuotaError(fmt.Sprintf("file is %d bytes, limit is %d", len(data), s.cfg.MaxBytes))
	}

	key := ObjectKey(meta.UserID, s.now(), meta.FileName)
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3blob: put %s: %w", key, classify(err))
	}

	s.logger.Info("uploaded file", "user_id", meta.UserID, "s3_key", key, "bytes", len(data))
	return s.cfg.PublicBaseURL + "/" + key, nil
}

func classify(err error) *remote.Error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return remote.Classify(err)
	}
	switch apiErr.ErrorCode() {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return &remote.Error{Kind: remote.KindAuth, Message: apiErr.ErrorMessage(), Err: err}
	case "EntityTooLarge", "QuotaExceeded", "ServiceQuotaExceededException":
		return &remote.Error{Kind: remote.KindQuotaExceeded, Message: apiErr.ErrorMessage(), Err: err}
	case "NoSuchBucket", "InvalidBucketName":
		return &remote.Error{Kind: remote.KindValidation, Message: apiErr.ErrorMessage(), Err: err}
	default:
		return &remote.Error{Kind: remote.KindNetwork, Message: apiErr.ErrorMessage(), Err: err}
	}
}
