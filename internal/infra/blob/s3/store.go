// Package s3 implements the blob Store on an S3-compatible bucket (AWS S3 or
// MinIO). Keys map to object keys directly.
package s3

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"exportcore/internal/blob/core"
)

const defaultRegion = "us-east-1"

// Config holds construction parameters. Credentials fall back to the default
// AWS chain when AccessKeyID is empty.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint, e.g. MinIO
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// HTTPClient replaces the SDK transport.
	HTTPClient s3.HTTPClient
}

// Store implements core.Store.
type Store struct {
	client *s3.Client
	bucket string
}

// New creates a store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Driver implements core.Store.
func (s *Store) Driver() core.Driver { return core.DriverS3 }

// Put implements core.Store. The write is conditional on the key being absent.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	if _, err := s.Head(ctx, key); err == nil {
		return core.Info{}, errors.Wrap(core.ErrExists, key)
	} else if !errors.Is(err, core.ErrNotFound) {
		return core.Info{}, err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		IfNoneMatch: aws.String("*"),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		if statusCode(err) == http.StatusPreconditionFailed {
			return core.Info{}, errors.Wrap(core.ErrExists, key)
		}
		return core.Info{}, errors.Wrapf(err, "put object %s", key)
	}
	return s.Head(ctx, key)
}

// Get implements core.Store.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return core.Info{}, nil, objectErr(err, "get", key)
	}
	info := objectInfo(key, aws.ToInt64(out.ContentLength), out.ContentType, out.ETag, out.Metadata, out.LastModified)
	return info, out.Body, nil
}

// Head implements core.Store.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return core.Info{}, objectErr(err, "head", key)
	}
	return objectInfo(key, aws.ToInt64(out.ContentLength), out.ContentType, out.ETag, out.Metadata, out.LastModified), nil
}

// Delete implements core.Store. S3 deletes are idempotent, so existence is
// checked first.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.Head(ctx, key); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		return false, errors.Wrapf(err, "delete object %s", key)
	}
	return true, nil
}

// List implements core.Store, following continuation tokens.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "list objects %s", prefix)
		}
		for _, obj := range out.Contents {
			infos = append(infos, core.Info{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func objectInfo(key string, size int64, contentType, etag *string, md map[string]string, lastModified *time.Time) core.Info {
	lm := time.Now().UTC()
	if lastModified != nil {
		lm = lastModified.UTC()
	}
	return core.Info{
		Key:          key,
		Size:         size,
		ContentType:  aws.ToString(contentType),
		ETag:         strings.Trim(aws.ToString(etag), `"`),
		Metadata:     md,
		LastModified: lm,
	}
}

func statusCode(err error) int {
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func objectErr(err error, op, key string) error {
	if statusCode(err) == http.StatusNotFound {
		return errors.Wrap(core.ErrNotFound, key)
	}
	return errors.Wrapf(err, "%s object %s", op, key)
}
