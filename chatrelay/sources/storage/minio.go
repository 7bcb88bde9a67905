package storage

import (
	"bytes"
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/sources/psql/models"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOClient struct {
	client *minio.Client
	bucket string
}

type TranscriptObject struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
	ArchivedAt     time.Time        `json:"archived_at"`
}

// NewMinIOClient returns nil, nil when no endpoint is configured.
func NewMinIOClient(ctx context.Context, cfg config.Config) (*MinIOClient, error) {
	if cfg.MinIOEndpoint == "" {
		return nil, nil
	}
	bucket := cfg.MinIOBucket
	client, err := minio.New(
		cfg.MinIOEndpoint,
		&minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
			Secure: cfg.MinIOUseSSL,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	// Create bucket if not exists
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("minio bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio make bucket: %w", err)
		}
	}
	return &MinIOClient{client: client, bucket: bucket}, nil
}

// TranscriptKey is the object key for a conversation archived at t. The
// conversation id always maps to exactly one segment under transcripts/.
func TranscriptKey(conversationID string, t time.Time) string {
	seg := url.PathEscape(conversationID)
	if strings.Trim(seg, ".") == "" {
		seg = strings.ReplaceAll(seg, ".", "%2E")
	}
	return fmt.Sprintf("transcripts/%s/%d.json", seg, t.UnixNano())
}

func (m *MinIOClient) ArchiveTranscript(ctx context.Context, conversationID string, msgs []models.Message) (string, error) {
	now := time.Now().UTC()
	data, err := json.Marshal(TranscriptObject{
		ConversationID: conversationID,
		Messages:       msgs,
		ArchivedAt:     now,
	})
	if err != nil {
		return "", err
	}

	key := TranscriptKey(conversationID, now)
	_, err = m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("upload transcript: %w", err)
	}
	return key, nil
}

func (m *MinIOClient) GetTranscript(ctx context.Context, key string) (*TranscriptObject, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", key, err)
	}
	var t TranscriptObject
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transcript %s: %w", key, err)
	}
	return &t, nil
}
