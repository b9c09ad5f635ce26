// Package archive keeps a copy of every promoted artifact in S3.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/pkg/candidates"
)

// uploader is the part of *manager.Uploader the archiver uses.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes promoted artifacts to keys like
//
//	<prefix>/<kind>/<id>/20260314T092653Z.go
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
	now      func() time.Time
}

// NewS3Archiver creates an S3Archiver using the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	var opts []func(*awsConfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsConfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return newS3Archiver(cfg.Bucket, cfg.Prefix, manager.NewUploader(client)), nil
}

func newS3Archiver(bucket, prefix string, up uploader) *S3Archiver {
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: up,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ObjectKey returns the key an artifact promoted at t is stored under.
func (a *S3Archiver) ObjectKey(kind candidates.Kind, id string, t time.Time) string {
	return path.Join(a.prefix, string(kind), id, t.UTC().Format("20060102T150405Z")+".go")
}

// Archive uploads data as the promoted artifact of (kind, id).
func (a *S3Archiver) Archive(ctx context.Context, kind candidates.Kind, id string, data []byte) error {
	sum := sha256.Sum256(data)
	key := a.ObjectKey(kind, id, a.now())

	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("text/x-go; charset=utf-8"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"kiln-kind":   string(kind),
			"kiln-id":     id,
			"kiln-sha256": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 upload of %s failed: %w", key, err)
	}
	return nil
}
