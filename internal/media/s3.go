// Package media issues presigned uploads for provider drone images on
// S3-compatible storage. Image bytes never pass through the API.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

const uploadExpiry = 15 * time.Minute

var (
	ErrTooLarge       = errors.New("image exceeds size limit")
	ErrTypeNotAllowed = errors.New("image type not allowed")

	extensionsByMime = map[string]string{"image/jpeg": "jpg", "image/png": "png", "image/webp": "webp", "image/gif": "gif"}
)

// Policy bounds what may be uploaded.
type Policy struct {
	MaxSize      int64
	AllowedTypes []string
}

// Check validates a declared content type and size.
func (p Policy) Check(contentType string, size int64) error {
	if size <= 0 || size > p.MaxSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrTooLarge, size, p.MaxSize)
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, allowed := range p.AllowedTypes {
		if ct == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrTypeNotAllowed, contentType)
}

// Upload is a presigned PUT the client performs itself, and the URL the image
// will be served from once uploaded.
type Upload struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl"`
	PublicURL string    `json:"publicUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
	Headers   Headers   `json:"headers"`
}

// Headers must be sent with the PUT for the signature to match.
type Headers struct {
	ContentType string `json:"Content-Type"`
}

// ImageStore presigns drone image uploads.
type ImageStore interface {
	PresignImageUpload(ctx context.Context, provider, contentType string, size int64) (*Upload, error)
}

// S3Client presigns uploads into one bucket.
type S3Client struct {
	presign    *s3.PresignClient
	bucket     string
	endpoint   string
	publicBase string
	policy     Policy
}

// NewS3Client builds a client for AWS S3 or an S3-compatible endpoint such as
// MinIO. publicBase, when set, is the CDN or bucket URL images are served from.
func NewS3Client(ctx context.Context, endpoint, region, bucket, accessKey, secretKey, publicBase string, policy Policy) (*S3Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = endpoint != ""
	})
	return &S3Client{
		presign:    s3.NewPresignClient(client),
		bucket:     bucket,
		endpoint:   strings.TrimRight(endpoint, "/"),
		publicBase: strings.TrimRight(publicBase, "/"),
		policy:     policy,
	}, nil
}

// ImageKey is the object key for a new image of provider.
func ImageKey(provider, contentType string) string {
	ext, ok := extensionsByMime[strings.ToLower(contentType)]
	if !ok {
		ext = "bin"
	}
	return fmt.Sprintf("drone-images/%s/%s.%s", strings.ToLower(provider), ulid.Make().String(), ext)
}

func (s *S3Client) PresignImageUpload(ctx context.Context, provider, contentType string, size int64) (*Upload, error) {
	if err := s.policy.Check(contentType, size); err != nil {
		return nil, err
	}
	key := ImageKey(provider, contentType)

	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
	}, s3.WithPresignExpires(uploadExpiry))
	if err != nil {
		return nil, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return &Upload{
		Key:       key,
		UploadURL: req.URL,
		PublicURL: s.PublicURL(key),
		ExpiresAt: time.Now().Add(uploadExpiry).UTC(),
		Headers:   Headers{ContentType: contentType},
	}, nil
}

// PublicURL is where key is served from.
func (s *S3Client) PublicURL(key string) string {
	switch {
	case s.publicBase != "":
		return s.publicBase + "/" + key
	case s.endpoint != "":
		return s.endpoint + "/" + s.bucket + "/" + key
	default:
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.bucket, key)
	}
}
