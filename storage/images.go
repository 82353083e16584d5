package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config selects the bucket that receives card background images.
type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	URLTTL       time.Duration
}

// ImagePresigner hands out presigned PUT URLs for card background images.
type ImagePresigner struct {
	client *s3.PresignClient
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// NewImagePresigner builds an S3 presign client. A base endpoint switches to
// path style addressing so S3 compatible stores such as MinIO work.
func NewImagePresigner(ctx context.Context, cfg S3Config) (*ImagePresigner, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ImagePresigner{
		client: s3.NewPresignClient(client),
		bucket: cfg.Bucket,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// PresignBackgroundUpload returns an object key and a URL the client can PUT
// the image to.
func (p *ImagePresigner) PresignBackgroundUpload(ctx context.Context, workspaceID, cardID string) (string, string, error) {
	d := p.now().UTC()
	key := fmt.Sprintf("workspaces/%s/cards/%s/%d/%02d/%s", workspaceID, cardID, d.Year(), d.Month(), uuid.New())
	req, err := p.client.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: &p.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return "", "", err
	}
	return key, req.URL, nil
}
