// Package archive writes terminal jobs to S3 before retention drops them,
// so failed and completed job metadata stays inspectable after the queue
// forgets it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"storyforge/internal/config"
	"storyforge/internal/queue"
)

// S3Archiver uploads purged job records as JSON objects.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver, or returns nil when no bucket is
// configured (archival is optional).
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Archiver{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArchiveS3Region),
	}
	if cfg.ArchiveS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArchiveS3Endpoint,
					HostnameImmutable: cfg.ArchiveS3PathStyle,
					SigningRegion:     cfg.ArchiveS3Region,
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
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Archive uploads each purged job under jobs/<state>/<id>.json.
func (a *S3Archiver) Archive(ctx context.Context, jobs []queue.PurgedJob) error {
	for _, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		key := fmt.Sprintf("jobs/%s/%s.json", job.State, job.ID)
		_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("put object %s: %w", key, err)
		}
	}
	return nil
}
