// Package archive optionally copies a completed export's spool file to an
// S3-compatible bucket after transfer/completion, on top of the mandatory
// local retention policy.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads local spool files to a configured bucket. A nil
// *Archiver (via Enabled) means archival is turned off.
type Archiver struct {
	client *s3.Client
	bucket string
}

// New builds an Archiver from config. It returns (nil, nil) when bucket is
// empty, signaling archival is disabled — callers check Enabled before use.
func New(ctx context.Context, bucket, region, endpoint string, pathStyle bool) (*Archiver, error) {
	if bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, r string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               endpoint,
					HostnameImmutable: pathStyle,
					SigningRegion:     region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
	})
	return &Archiver{client: client, bucket: bucket}, nil
}

// Enabled reports whether archival is configured.
func (a *Archiver) Enabled() bool { return a != nil }

// Upload copies localPath to key in the archive bucket.
func (a *Archiver) Upload(ctx context.Context, localPath, key string) (string, error) {
	body, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read spool file for archival: %w", err)
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
