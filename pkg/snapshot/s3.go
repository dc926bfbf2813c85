package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store keeps checkpoints as objects under a key prefix.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	codec  *Codec
}

// S3Config holds the backend settings. Endpoint supports MinIO and
// LocalStack; path-style addressing is forced when it is set.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Store builds the client from the ambient AWS config.
func NewS3Store(ctx context.Context, cfg S3Config, codec *Codec) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("snapshot: s3 bucket is required")
	}
	if codec == nil {
		codec = &Codec{}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("snapshot: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix, codec: codec}, nil
}

func (s *S3Store) key(name string) string {
	return s.prefix + name + blobExt
}

func (s *S3Store) Put(ctx context.Context, cp *Checkpoint) error {
	raw, err := s.codec.Encode(cp)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(cp.Name)),
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("snapshot: s3 put %s: %w", cp.Name, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, name string) (*Checkpoint, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: s3 get %s: %w", name, err)
	}
	defer func() { _ = out.Body.Close() }()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot: s3 read %s: %w", name, err)
	}
	return s.codec.Decode(name, raw)
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot: s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, blobExt) {
				continue
			}
			name := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), blobExt)
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *S3Store) Latest(ctx context.Context) (*Checkpoint, error) {
	names, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, names[len(names)-1])
}
