// Package media keeps message attachments in an S3 compatible bucket.
package media

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
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/config"
)

// ErrDisabled is returned when no bucket is configured.
var ErrDisabled = errors.New("media store disabled")

// Object describes a stored attachment.
type Object struct {
	Path string
	URL  string
	Mime string
	Size int64
}

// Store saves attachments and hands out fetchable URLs for them.
type Store interface {
	Put(ctx context.Context, name, mime string, data []byte) (Object, error)
	URL(ctx context.Context, storagePath string) (string, error)
}

// S3Store is a Store backed by aws-sdk-go-v2.
type S3Store struct {
	client     *s3.Client
	presign    *s3.PresignClient
	bucket     string
	publicBase string
	presignTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewS3Store builds a store from configuration. It returns ErrDisabled when
// the bucket is empty so callers can run without media storage.
func NewS3Store(cfg config.MediaConfig, logger *zap.Logger) (*S3Store, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	awsCfg := aws.Config{Region: cfg.Region}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	}

	// dotted bucket names break virtual-host TLS
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(strings.TrimRight(cfg.Endpoint, "/"))
		}
	})

	ttl := time.Duration(cfg.PresignTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	logger.Info("media store initialized",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.String("endpoint", cfg.Endpoint),
		zap.Bool("path_style", pathStyle),
	)
	return &S3Store{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		presignTTL: ttl,
		now:        time.Now,
		logger:     logger.Named("media"),
	}, nil
}

// Put uploads data under wa-media/YYYY/MM/DD/.
func (s *S3Store) Put(ctx context.Context, name, mime string, data []byte) (Object, error) {
	key := ObjectKey(s.now(), name, mime)
	contentType := mime
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("private, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return Object{}, fmt.Errorf("put %s: %w", key, err)
	}

	url, err := s.URL(ctx, key)
	if err != nil {
		return Object{}, err
	}
	s.logger.Debug("media stored", zap.String("key", key), zap.Int("size", len(data)))
	return Object{Path: key, URL: url, Mime: mime, Size: int64(len(data))}, nil
}

// URL returns the public URL when a public base is configured, otherwise a
// presigned GET URL.
func (s *S3Store) URL(ctx context.Context, storagePath string) (string, error) {
	if storagePath == "" {
		return "", errors.New("empty storage path")
	}
	if s.publicBase != "" {
		return s.publicBase + "/" + strings.TrimLeft(storagePath, "/"), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storagePath),
	}, s3.WithPresignExpires(s.presignTTL))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", storagePath, err)
	}
	return req.URL, nil
}

var mimeExtensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"audio/mpeg":      "mp3",
	"audio/ogg":       "ogg",
	"audio/wav":       "wav",
	"application/pdf": "pdf",
}

// ObjectKey builds a collision-free key that keeps the original file name readable.
func ObjectKey(at time.Time, name, mime string) string {
	name = SanitizeFilename(name)
	ext := Extension(mime, name)
	base := strings.TrimSuffix(name, path.Ext(name))
	if base == "" {
		base = "media-" + at.UTC().Format("20060102-150405")
	}
	return fmt.Sprintf("wa-media/%s/%s-%s.%s", at.UTC().Format("2006/01/02"), uuid.NewString()[:8], base, ext)
}

// Extension prefers the file name's extension, then the MIME type.
func Extension(mime, name string) string {
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."); ext != "" {
		return ext
	}
	mime = strings.ToLower(strings.TrimSpace(mime))
	if mime == "" {
		return "bin"
	}
	if ext, ok := mimeExtensions[mime]; ok {
		return ext
	}
	if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
		if i := strings.IndexByte(sub, ';'); i >= 0 {
			sub = sub[:i]
		}
		return sub
	}
	return "bin"
}

// SanitizeFilename strips path separators and control characters.
func SanitizeFilename(name string) string {
	name = strings.NewReplacer("\\", "-", "/", "-").Replace(name)
	name = strings.Map(func(r rune) rune {
		if r == 0 || r == '\r' || r == '\n' || r == '\t' {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}
