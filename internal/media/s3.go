// Package media archives inbound media carried inline in webhook payloads
// to S3-compatible storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/config"
)

// ThumbnailWidth is the bounding box of generated image thumbnails.
const ThumbnailWidth = 320

// ObjectPutter is the subset of the S3 client used for archiving.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a client with static credentials. A custom endpoint
// selects an S3-compatible service; buckets with dots force path-style
// addressing to keep TLS certificates valid.
func NewS3Client(cfg config.S3Config) (*s3.Client, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}

	endpoint := cfg.Endpoint
	if endpoint != "" && strings.Contains(endpoint, cfg.Bucket+".") {
		endpoint = strings.Replace(endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", endpoint).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	pathStyle := usePathStyle(cfg)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")
	return client, nil
}

func usePathStyle(cfg config.S3Config) bool {
	return cfg.PathStyle || strings.Contains(cfg.Bucket, ".")
}

// Upload describes one media object to archive.
type Upload struct {
	InstanceName string
	ContactJID   string
	MessageID    string
	Kind         string
	MimeType     string
	Data         []byte
	At           time.Time
}

// Object is the result of a successful archive.
type Object struct {
	Key          string `json:"key"`
	PublicURL    string `json:"publicUrl"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
	Size         int    `json:"size"`
}

// S3Archiver stores media under a per-instance key layout.
type S3Archiver struct {
	client ObjectPutter
	cfg    config.S3Config
}

// NewS3Archiver returns an archiver writing to cfg.Bucket.
func NewS3Archiver(client ObjectPutter, cfg config.S3Config) (*S3Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("S3 client cannot be nil")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket cannot be empty")
	}
	return &S3Archiver{client: client, cfg: cfg}, nil
}

// Archive uploads the media and, for decodable images, a JPEG thumbnail.
// A thumbnail failure is logged and does not fail the archive.
func (a *S3Archiver) Archive(ctx context.Context, in Upload) (*Object, error) {
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("media payload for %s is empty", in.MessageID)
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	key := GenerateKey(in.InstanceName, in.ContactJID, in.MessageID, in.Kind, in.MimeType, in.At)
	if err := a.put(ctx, key, in.Data, in.MimeType); err != nil {
		return nil, err
	}
	obj := &Object{Key: key, PublicURL: a.PublicURL(key), Size: len(in.Data)}

	if strings.HasPrefix(in.MimeType, "image/") {
		thumb, err := Thumbnail(in.Data, ThumbnailWidth)
		if err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Skipping thumbnail for undecodable image")
		} else {
			thumbKey := ThumbnailKey(key)
			if err := a.put(ctx, thumbKey, thumb, "image/jpeg"); err != nil {
				log.Warn().Err(err).Str("key", thumbKey).Msg("Failed to upload thumbnail")
			} else {
				obj.ThumbnailKey = thumbKey
			}
		}
	}
	return obj, nil
}

func (a *S3Archiver) put(ctx context.Context, key string, data []byte, mimeType string) error {
	contentType := mimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(a.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		log.Error().
			Str("key", key).
			Str("bucket", a.cfg.Bucket).
			Str("mimeType", contentType).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().
		Str("key", key).
		Str("bucket", a.cfg.Bucket).
		Int("size", len(data)).
		Msg("File successfully uploaded to S3")
	return nil
}

// PublicURL returns the browser-facing URL of key.
func (a *S3Archiver) PublicURL(key string) string {
	if a.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.PublicURL, "/"), a.cfg.Bucket, key)
	}
	pathStyle := usePathStyle(a.cfg)
	endpoint := a.cfg.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "amazonaws.com") {
		if pathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), a.cfg.Bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", a.cfg.Bucket, strings.TrimRight(host, "/"), key)
	}
	if pathStyle {
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", a.cfg.Region, a.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, a.cfg.Region, key)
}
