package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"dup-go/internal/config"
	"dup-go/internal/dup"
)

// s3API is the subset of *s3.Client the backend uses.
type s3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Backend keeps remote volumes as objects under a key prefix in one bucket.
type S3Backend struct {
	name     string
	bucket   string
	prefix   string
	region   string
	client   s3API
	uploader *manager.Uploader
}

// NewS3Backend builds a client from the default AWS configuration chain,
// overridden by the region, endpoint and static credentials in cfg.
func NewS3Backend(ctx context.Context, cfg config.BackendConfig) (*S3Backend, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires s3_bucket to be set")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Backend(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, awsCfg.Region, client), nil
}

func newS3Backend(name, bucket, prefix, region string, client s3API) *S3Backend {
	return &S3Backend{
		name:     name,
		bucket:   bucket,
		prefix:   prefix,
		region:   region,
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (b *S3Backend) key(name string) string {
	return b.prefix + name
}

func (b *S3Backend) List(ctx context.Context) ([]dup.RemoteFile, error) {
	var out []dup.RemoteFile
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, b.wrap(err, "listing")
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			out = append(out, dup.RemoteFile{Name: name, Size: aws.ToInt64(obj.Size)})
		}
	}
	return out, nil
}

func (b *S3Backend) Get(ctx context.Context, name string, w io.Writer) error {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return b.wrap(err, name)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put uploads through the multipart-capable uploader. An object whose size
// does not match is removed again.
func (b *S3Backend) Put(ctx context.Context, name string, r io.Reader, size int64) error {
	body := &countingReader{r: r}
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
		Body:   body,
	})
	if err != nil {
		return b.wrap(err, name)
	}
	if body.n != size {
		_ = b.Delete(ctx, name)
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, body.n)
	}
	return nil
}

func (b *S3Backend) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(name)),
	})
	if err != nil {
		return b.wrap(err, name)
	}
	return nil
}

func (b *S3Backend) CreateFolder(ctx context.Context) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(b.bucket)}
	if b.region != "" && b.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, in); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
	}
	return nil
}

func (b *S3Backend) Test(ctx context.Context) error {
	if _, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return b.wrap(err, "bucket "+b.bucket)
	}
	return nil
}

func (b *S3Backend) wrap(err error, what string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			return fmt.Errorf("s3 backend %s: %w", b.name, dup.ErrFolderMissing)
		case "NoSuchKey":
			return fmt.Errorf("%s: %w", what, dup.ErrFileNotFound)
		case "NotFound":
			// HeadBucket and HeadObject carry no error body.
			if strings.HasPrefix(what, "bucket ") {
				return fmt.Errorf("s3 backend %s: %w", b.name, dup.ErrFolderMissing)
			}
			return fmt.Errorf("%s: %w", what, dup.ErrFileNotFound)
		}
	}
	return fmt.Errorf("s3 %s: %w", what, err)
}

// Compile-time check that S3Backend implements dup.Backend interface
var _ dup.Backend = (*S3Backend)(nil)
