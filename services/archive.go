package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/krshsl/interviewcoach/backend/speech"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type bucketClient interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// AudioArchive keeps the candidate's answer audio in an S3 compatible
// bucket, one object per turn.
type AudioArchive struct {
	client   bucketClient
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

func NewAudioArchive(cfg StorageConfig) (*AudioArchive, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("storage endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("storage access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage client: %w", err)
	}
	return &AudioArchive{client: client, bucket: bucket, region: region}, nil
}

func (a *AudioArchive) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if exists {
			return
		}
		a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
	})
	return a.initErr
}

// PutTurnAudio uploads the answer to ordinal and returns the object key.
func (a *AudioArchive) PutTurnAudio(ctx context.Context, sessionID string, ordinal int, audio speech.Audio) (string, error) {
	if audio.Empty() {
		return "", nil
	}
	if err := a.ensureBucket(ctx); err != nil {
		return "", fmt.Errorf("ensure bucket: %w", err)
	}

	key := turnAudioKey(sessionID, ordinal)
	_, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(audio.Data), int64(len(audio.Data)), minio.PutObjectOptions{
		ContentType: audioMIMEType(audio),
	})
	if err != nil {
		return "", fmt.Errorf("put turn audio: %w", err)
	}
	slog.Debug("Archived answer audio", "session_id", sessionID, "ordinal", ordinal, "size", len(audio.Data))
	return key, nil
}

func turnAudioKey(sessionID string, ordinal int) string {
	return fmt.Sprintf("sessions/%s/turns/%02d", strings.TrimSpace(sessionID), ordinal)
}
