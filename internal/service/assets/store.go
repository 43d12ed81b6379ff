package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ifuryst/moviefactory/internal/config"
	"go.uber.org/zap"
)

// Asset is a stored copy of a generated file.
type Asset struct {
	URL  string
	Path string
}

// Store persists generated images and audio under a stable key.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader, contentType string) (*Asset, error)
}

// NewStore builds the store selected by cfg.Driver.
func NewStore(cfg *config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "local":
		return NewLocalStore(cfg.LocalDir, cfg.PublicBaseURL), nil
	case "supabase":
		return NewSupabaseStore(&cfg.Supabase, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// LocalStore writes assets to a directory on disk.
type LocalStore struct {
	root    string
	baseURL string
}

func NewLocalStore(root, baseURL string) *LocalStore {
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *LocalStore) Save(ctx context.Context, key string, r io.Reader, contentType string) (*Asset, error) {
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" {
		return nil, fmt.Errorf("invalid asset key %q", key)
	}

	path := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create asset file: %w", err)
	}

	// Never leave a truncated asset behind
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write asset: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to close asset file: %w", err)
	}

	asset := &Asset{Path: path}
	if s.baseURL != "" {
		asset.URL = s.baseURL + "/" + clean
	}
	return asset, nil
}

// Mirror downloads srcURL and saves it under key.
func Mirror(ctx context.Context, store Store, client *http.Client, srcURL, key string) (*Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asset download returned status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return store.Save(ctx, key, resp.Body, contentType)
}
