package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	storage "github.com/supabase-community/storage-go"
	"go.uber.org/zap"

	"github.com/ifuryst/moviefactory/internal/config"
)

// SupabaseStore uploads assets to a public Supabase Storage bucket.
type SupabaseStore struct {
	// upload options are set as headers on the shared client transport
	mu      sync.Mutex
	client  *storage.Client
	bucket  string
	baseURL string
	logger  *zap.Logger
}

func NewSupabaseStore(cfg *config.SupabaseConfig, logger *zap.Logger) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("supabase storage requires url and service_role_key")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	return &SupabaseStore{
		client:  storage.NewClient(baseURL+"/storage/v1", cfg.ServiceRoleKey, nil),
		bucket:  cfg.Bucket,
		baseURL: baseURL,
		logger:  logger,
	}, nil
}

func (s *SupabaseStore) Save(ctx context.Context, key string, r io.Reader, contentType string) (*Asset, error) {
	upsert := true
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.client.UploadFile(s.bucket, key, r, storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	}); err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}

	s.logger.Debug("Uploaded asset", zap.String("bucket", s.bucket), zap.String("key", key))

	return &Asset{URL: s.PublicURL(key), Path: key}, nil
}

func (s *SupabaseStore) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, key)
}
