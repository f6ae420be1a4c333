package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/seedguard/interfaces"
)

// S3Keystore stores keys as objects in an S3 or S3-compatible bucket.
// Objects are written with server-side encryption requested.
type S3Keystore struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Keystore creates an S3-backed keystore. Empty credentials fall back to
// the default AWS credential chain.
func NewS3Keystore(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Keystore, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Keystore{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     prefix,
		log:        log,
	}, nil
}

func (b *S3Keystore) objectKey(id string) string {
	return path.Join(b.prefix, hex.EncodeToString([]byte(id)))
}

func (b *S3Keystore) Get(ctx context.Context, id string) ([]byte, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(id)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, interfaces.ErrKeyNotFound
		}
		b.log.Error("Failed to read from S3", slog.String("bucket", b.bucketName), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return data, nil
}

func (b *S3Keystore) Put(ctx context.Context, id string, data []byte) error {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucketName),
		Key:                  aws.String(b.objectKey(id)),
		Body:                 bytes.NewReader(data),
		ServerSideEncryption: aws.String(s3.ServerSideEncryptionAes256),
	})
	if err != nil {
		b.log.Error("Failed to write to S3", slog.String("bucket", b.bucketName), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return nil
}

// Delete is idempotent: S3 reports success for missing objects.
func (b *S3Keystore) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(id)),
	})
	if err != nil {
		b.log.Error("Failed to delete from S3", slog.String("bucket", b.bucketName), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrTransport, err)
	}
	return nil
}

func (b *S3Keystore) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}
