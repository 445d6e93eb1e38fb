package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/semmidev/phylax-runner/internal/config"
	"github.com/semmidev/phylax-runner/internal/domain"
	"github.com/semmidev/phylax-runner/internal/version"
)

// SDKStrategy uses the AWS SDK against any S3-compatible endpoint.
type SDKStrategy struct {
	client     *s3.Client
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	region     string
}

// NewSDK configures path-style addressing and only sends checksums the
// operation requires, which keeps non-AWS providers happy.
func NewSDK(ctx context.Context, cfg *config.StorageConfig) (*SDKStrategy, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithAppID("phylax-runner-"+version.Version),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	return &SDKStrategy{
		client:     client,
		uploader:   s3manager.NewUploader(client),
		downloader: s3manager.NewDownloader(client),
		region:     cfg.Region,
	}, nil
}

func (s *SDKStrategy) Name() string { return config.StrategySDK }

func (s *SDKStrategy) EnsureBucket(ctx context.Context, bucket string) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.region != "" && s.region != config.DefaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	_, err = s.client.CreateBucket(ctx, input)
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if err != nil && !errors.As(err, &owned) && !errors.As(err, &exists) {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func (s *SDKStrategy) Put(ctx context.Context, bucket, key string, obj Object) error {
	file, err := os.Open(obj.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		Body:     file,
		Metadata: obj.Metadata,
	}

	// Single-request upload below the multipart threshold.
	if obj.Size < s3manager.DefaultUploadPartSize {
		input.ContentLength = aws.Int64(obj.Size)
		if _, err := s.client.PutObject(ctx, input); err != nil {
			return fmt.Errorf("failed to upload to S3: %w", err)
		}
		return nil
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (s *SDKStrategy) Get(ctx context.Context, bucket, key string, w io.WriterAt) error {
	_, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return fmt.Errorf("%w: s3://%s/%s", domain.ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return fmt.Errorf("failed to download from S3: %w", err)
	}
	return nil
}

func (s *SDKStrategy) Stat(ctx context.Context, bucket, key string) (domain.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return domain.ObjectInfo{}, fmt.Errorf("%w: s3://%s/%s", domain.ErrObjectNotFound, bucket, key)
	}
	if err != nil {
		return domain.ObjectInfo{}, fmt.Errorf("failed to stat object: %w", err)
	}

	return domain.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return true
	}
	// Some providers answer with generic error codes the SDK does not model.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket", "404":
			return true
		}
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}
