package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/pannier/pkg/config"
)

var tracer = otel.Tracer("pannier/objstore")

// deleteBatchMax is the backend limit on keys per DeleteObjects request.
const deleteBatchMax = 1000

// s3Client is the S3 implementation of Client. All keys are namespaced
// under the configured prefix; callers never see the prefix.
type s3Client struct {
	client   *s3.Client
	bucket   string
	prefix   string
	reporter Reporter
}

// newS3Client builds the SDK client and ensures the bucket exists.
func newS3Client(ctx context.Context, cfg config.StoreConfig, reporter Reporter) (*s3Client, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials (MinIO, localstack, or AWS with explicit keys).
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars, etc.)
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	if err := createBucketIfNotExists(ctx, client, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if reporter == nil {
		reporter = noopReporter{}
	}

	return &s3Client{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		reporter: reporter,
	}, nil
}

func (c *s3Client) Backend() string { return "s3" }

// fullKey namespaces an engine key under the root prefix.
func (c *s3Client) fullKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

// engineKey strips the root prefix from a stored key.
func (c *s3Client) engineKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, c.prefix+"/")
}

func (c *s3Client) PutObject(ctx context.Context, key string, body []byte, metadata map[string]string, opts PutOptions) (*PutResult, error) {
	ctx, span := tracer.Start(ctx, "ObjectStore.PutObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "PutObject"),
			attribute.String("s3.bucket", c.bucket),
			attribute.String("s3.key", key),
			attribute.Int("content.size", len(body)),
		),
	)
	defer span.End()

	input := &s3.PutObjectInput{
		Bucket:   aws.String(c.bucket),
		Key:      aws.String(c.fullKey(key)),
		Body:     bytes.NewReader(body),
		Metadata: normalizeMetadata(metadata),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}

	result, err := c.client.PutObject(ctx, input)
	c.reporter.Record("PutObject", int64(len(body)), 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return nil, classify("PutObject", key, err)
	}

	span.SetStatus(codes.Ok, "object uploaded")
	return &PutResult{ETag: aws.ToString(result.ETag)}, nil
}

func (c *s3Client) GetObject(ctx context.Context, key string) (*Object, error) {
	ctx, span := tracer.Start(ctx, "ObjectStore.GetObject",
		trace.WithAttributes(
			attribute.String("s3.operation", "GetObject"),
			attribute.String("s3.bucket", c.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	if err != nil {
		c.reporter.Record("GetObject", 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		return nil, classify("GetObject", key, err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	c.reporter.Record("GetObject", 0, int64(len(body)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read object body")
		return nil, classify("GetObject", key, err)
	}

	span.SetAttributes(attribute.Int("content.size", len(body)))
	span.SetStatus(codes.Ok, "object retrieved")

	obj := &Object{
		Key:      key,
		Body:     body,
		Metadata: normalizeMetadata(result.Metadata),
		ETag:     aws.ToString(result.ETag),
	}
	if result.LastModified != nil {
		obj.LastModified = *result.LastModified
	}
	return obj, nil
}

func (c *s3Client) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	result, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	c.reporter.Record("HeadObject", 0, 0)
	if err != nil {
		return nil, classify("HeadObject", key, err)
	}

	info := &ObjectInfo{
		Key:      key,
		Metadata: normalizeMetadata(result.Metadata),
		ETag:     aws.ToString(result.ETag),
		Size:     aws.ToInt64(result.ContentLength),
	}
	if result.LastModified != nil {
		info.LastModified = *result.LastModified
	}
	return info, nil
}

func (c *s3Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	c.reporter.Record("DeleteObject", 0, 0)
	if err != nil {
		return classify("DeleteObject", key, err)
	}
	return nil
}

func (c *s3Client) DeleteObjects(ctx context.Context, keys []string) ([]DeleteOutcome, error) {
	ctx, span := tracer.Start(ctx, "ObjectStore.DeleteObjects",
		trace.WithAttributes(
			attribute.String("s3.operation", "DeleteObjects"),
			attribute.String("s3.bucket", c.bucket),
			attribute.Int("keys.count", len(keys)),
		),
	)
	defer span.End()

	outcomes := make([]DeleteOutcome, 0, len(keys))

	for start := 0; start < len(keys); start += deleteBatchMax {
		end := start + deleteBatchMax
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		identifiers := make([]s3types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			identifiers[i] = s3types.ObjectIdentifier{Key: aws.String(c.fullKey(key))}
		}

		result, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &s3types.Delete{
				Objects: identifiers,
				Quiet:   aws.Bool(false),
			},
		})
		c.reporter.Record("DeleteObjects", 0, 0)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch delete failed")
			return outcomes, classify("DeleteObjects", "", err)
		}

		failed := make(map[string]error, len(result.Errors))
		for _, e := range result.Errors {
			code := aws.ToString(e.Code)
			// Deleting a key that is already gone counts as success.
			if code == "NoSuchKey" || code == "NotFound" {
				continue
			}
			failed[c.engineKey(aws.ToString(e.Key))] = &deleteError{
				code:    code,
				message: aws.ToString(e.Message),
			}
		}
		for _, key := range batch {
			outcome := DeleteOutcome{Key: key}
			if cause, ok := failed[key]; ok {
				outcome.Err = classify("DeleteObjects", key, cause)
			}
			outcomes = append(outcomes, outcome)
		}
	}

	span.SetStatus(codes.Ok, "batch delete complete")
	return outcomes, nil
}

// deleteError adapts a per-key DeleteObjects failure to smithy.APIError
// so classify can map it like any other backend rejection.
type deleteError struct {
	code    string
	message string
}

func (e *deleteError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *deleteError) ErrorCode() string             { return e.code }
func (e *deleteError) ErrorMessage() string          { return e.message }
func (e *deleteError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func (c *s3Client) ListObjects(ctx context.Context, prefix string, opts ListOptions) (*ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(c.fullKey(prefix)),
	}
	if opts.PageSize > 0 {
		input.MaxKeys = aws.Int32(int32(opts.PageSize))
	}
	if opts.Token != "" {
		input.ContinuationToken = aws.String(opts.Token)
	}

	result, err := c.client.ListObjectsV2(ctx, input)
	c.reporter.Record("ListObjectsV2", 0, 0)
	if err != nil {
		return nil, classify("ListObjectsV2", prefix, err)
	}

	page := &ListPage{
		Keys: make([]string, 0, len(result.Contents)),
	}
	for _, obj := range result.Contents {
		page.Keys = append(page.Keys, c.engineKey(aws.ToString(obj.Key)))
	}
	if aws.ToBool(result.IsTruncated) {
		page.NextToken = aws.ToString(result.NextContinuationToken)
	}
	return page, nil
}

func (c *s3Client) Ping(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return classify("HeadBucket", "", err)
	}
	return nil
}

func createBucketIfNotExists(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return nil
	}

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil {
		// Lost a creation race; the bucket being there is all that matters.
		if isBucketAlreadyExistsError(err) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

func isBucketAlreadyExistsError(err error) bool {
	var owned *s3types.BucketAlreadyOwnedByYou
	var exists *s3types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}
