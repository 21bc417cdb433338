// Package archive copies written history files to S3-compatible object
// storage.
package archive

import (
	"context"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/kinhotel/pms-sync/internal/config"
)

// Uploader puts a local file under key and returns its object URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// putter is the part of *s3.Client the uploader uses.
type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes objects to one bucket under a key prefix.
type S3Uploader struct {
	client putter
	bucket string
	prefix string
}

// NewS3Uploader builds an uploader from config. Static credentials are used
// when both keys are set; otherwise the default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg config.ArchiveConfig) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, eris.New("archive: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "archive: load aws config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Uploader(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Uploader(client putter, bucket, prefix string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key joins the configured prefix and key.
func (u *S3Uploader) Key(key string) string {
	if u.prefix == "" {
		return strings.TrimLeft(key, "/")
	}
	return path.Join(u.prefix, key)
}

// Upload puts localPath at prefix/key and returns its s3:// URL.
func (u *S3Uploader) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", eris.Wrapf(err, "archive: open %s", localPath)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return "", eris.Wrapf(err, "archive: stat %s", localPath)
	}

	objectKey := u.Key(key)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(objectKey),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(localPath)),
		Metadata: map[string]string{
			"source": "pms-sync",
		},
	})
	if err != nil {
		return "", eris.Wrapf(err, "archive: put s3://%s/%s", u.bucket, objectKey)
	}

	url := "s3://" + u.bucket + "/" + objectKey
	zap.L().Info("archive: uploaded",
		zap.String("object", url),
		zap.Int64("bytes", info.Size()),
	)
	return url, nil
}

func contentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".parquet":
		return "application/vnd.apache.parquet"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
