package attachment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// HeadObjectAPI is the part of the S3 client the resolver needs.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Resolver reads attachment metadata from object heads in an S3-compatible
// bucket. Uploads are stored under prefix+token; the original file name and
// image dimensions travel as user metadata (name, width, height).
type S3Resolver struct {
	client HeadObjectAPI
	bucket string
	prefix string
}

// NewS3Resolver creates an S3 resolver. If endpoint is non-empty, path-style
// addressing is enabled (for MinIO and similar).
func NewS3Resolver(ctx context.Context, bucket, prefix, region, endpoint string) (*S3Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	return NewS3ResolverWithClient(s3.NewFromConfig(cfg, s3opts...), bucket, prefix), nil
}

// NewS3ResolverWithClient wraps an existing client.
func NewS3ResolverWithClient(client HeadObjectAPI, bucket, prefix string) *S3Resolver {
	return &S3Resolver{client: client, bucket: bucket, prefix: prefix}
}

// ResolveAttachments heads every token concurrently. Missing objects are
// omitted; any other error fails the lookup.
func (r *S3Resolver) ResolveAttachments(ctx context.Context, tokens []string) ([]Metadata, error) {
	type result struct {
		meta  Metadata
		found bool
		err   error
	}
	results := make([]result, len(tokens))

	var wg sync.WaitGroup
	for i, tok := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, found, err := r.head(ctx, tok)
			results[i] = result{meta: m, found: found, err: err}
		}()
	}
	wg.Wait()

	out := make([]Metadata, 0, len(tokens))
	for _, res := range results {
		if res.err != nil {
			return nil, res.err
		}
		if res.found {
			out = append(out, res.meta)
		}
	}
	return out, nil
}

func (r *S3Resolver) head(ctx context.Context, token string) (Metadata, bool, error) {
	key := r.prefix + token
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, fmt.Errorf("s3 head object %s: %w", key, err)
	}

	m := Metadata{
		Token:    token,
		Name:     token,
		MimeType: aws.ToString(out.ContentType),
		Size:     aws.ToInt64(out.ContentLength),
		Path:     key,
	}
	if name := out.Metadata["name"]; name != "" {
		m.Name = name
	}
	m.Width, _ = strconv.Atoi(out.Metadata["width"])
	m.Height, _ = strconv.Atoi(out.Metadata["height"])
	return m, true, nil
}
