// Package s3 mirrors letters as HTML objects in an S3 bucket.
package s3

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// ObjectAPI is the subset of *s3.Client the mirror uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Mirror struct {
	client ObjectAPI
	bucket string
	prefix string
}

func New(client ObjectAPI, bucket, prefix string) *Mirror {
	return &Mirror{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// NewFromEnv loads the default AWS config chain (env, shared config, IMDS).
func NewFromEnv(ctx context.Context, bucket, prefix string) (*Mirror, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (m *Mirror) key() string {
	name := ulid.Make().String() + ".html"
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

func (m *Mirror) Create(ctx context.Context, content string) (string, error) {
	key := m.key()
	_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload letter: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"bucket":       m.bucket,
		"external_ref": key,
	}).Debug("Letter uploaded to S3")
	return key, nil
}

func (m *Mirror) Delete(ctx context.Context, ref string) error {
	_, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return fmt.Errorf("failed to delete letter %s: %w", ref, err)
	}
	return nil
}

func (m *Mirror) URL(ref string) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", m.bucket, ref)
}
