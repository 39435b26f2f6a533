package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Store is the cold storage tier for serialized threads. Get returns
// (nil, nil) when the chat has never been persisted.
type Store interface {
	Get(ctx context.Context, chatID string) (map[string]any, error)
	Save(ctx context.Context, chatID string, data map[string]any) error
	Delete(ctx context.Context, chatID string) error
	// List returns per-chat metadata for up to limit persisted chats.
	List(ctx context.Context, limit int) ([]map[string]any, error)
	Close() error
}

// StoreConfig configures the S3-compatible cold store.
type StoreConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Store persists threads as JSON objects in an S3-compatible bucket, one
// object per chat.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store creates the store and its client. Credentials fall back to the
// default AWS provider chain when not set explicitly.
func NewS3Store(ctx context.Context, cfg StoreConfig) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Store) objectKey(chatID string) string {
	name := chatID + ".json"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Store) Get(ctx context.Context, chatID string) (map[string]any, error) {
	key := s.objectKey(chatID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 get %s: %w", chatID, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", chatID, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("s3 object %s is not valid JSON: %w", chatID, err)
	}
	return data, nil
}

func (s *S3Store) Save(ctx context.Context, chatID string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("s3 marshal %s: %w", chatID, err)
	}
	key := s.objectKey(chatID)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        bytes.NewReader(raw),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", chatID, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, chatID string) error {
	key := s.objectKey(chatID)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}); err != nil {
		return fmt.Errorf("s3 delete %s: %w", chatID, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := s.prefix
	if prefix != "" {
		prefix += "/"
	}

	var results []map[string]any
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() && len(results) < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			if len(results) >= limit {
				break
			}
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			chatID := strings.TrimSuffix(name, ".json")
			if chatID == "" {
				continue
			}
			meta := map[string]any{
				"chat_id":   chatID,
				"persisted": true,
			}
			if obj.LastModified != nil {
				meta["updated_at"] = obj.LastModified.UTC().Format(time.RFC3339)
			}
			results = append(results, meta)
		}
	}
	return results, nil
}

func (s *S3Store) Close() error { return nil }

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return strings.EqualFold(code, "NoSuchKey") || strings.EqualFold(code, "NotFound")
	}
	return false
}

// InMemoryStore is the cold store used in tests and single-process setups.
type InMemoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]any
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]map[string]any)}
}

func (s *InMemoryStore) Get(ctx context.Context, chatID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[chatID]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (s *InMemoryStore) Save(ctx context.Context, chatID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[chatID] = data
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, chatID)
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var results []map[string]any
	for _, id := range ids {
		if len(results) >= limit {
			break
		}
		results = append(results, map[string]any{"chat_id": id, "persisted": true})
	}
	return results, nil
}

func (s *InMemoryStore) Close() error { return nil }
