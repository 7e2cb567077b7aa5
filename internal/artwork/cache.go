// Package artwork downloads and caches title cover images so the web
// surface can show them without hitting the upstream CDN per request.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/jmaas/playwarden/internal/storage"
)

// Cache is a disk-backed artwork store with an in-memory index.
type Cache struct {
	dir    string
	images storage.ImageStore
	index  *lru.Cache[string, string]
	http   *http.Client
	logger zerolog.Logger
}

// NewCache creates the cache directory if needed.
func NewCache(dir string, images storage.ImageStore, size int, logger zerolog.Logger) (*Cache, error) {
	if err := storage.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating artwork dir: %w", err)
	}
	if size <= 0 {
		size = 256
	}
	index, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating artwork index: %w", err)
	}
	return &Cache{
		dir:    dir,
		images: images,
		index:  index,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger.With().Str("component", "artwork").Logger(),
	}, nil
}

// Dir returns the directory the cached files live in.
func (c *Cache) Dir() string {
	return c.dir
}

// Filename returns the cached file for a title if one exists locally.
func (c *Cache) Filename(ctx context.Context, game string) (string, bool) {
	if name, ok := c.index.Get(game); ok {
		return name, true
	}
	img, err := c.images.Get(ctx, game)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error().Err(err).Str("game", game).Msg("Artwork lookup failed")
		}
		return "", false
	}
	if _, err := os.Stat(filepath.Join(c.dir, img.Filename)); err != nil {
		return "", false
	}
	c.index.Add(game, img.Filename)
	return img.Filename, true
}

// Ensure downloads the artwork for a title unless it is already
// cached. It returns the cached filename.
func (c *Cache) Ensure(ctx context.Context, game, url string) (string, error) {
	if name, ok := c.Filename(ctx, game); ok {
		return name, nil
	}
	if url == "" {
		return "", fmt.Errorf("no artwork URL for %q", game)
	}

	name := Slugify(game) + ext(url)
	dest := filepath.Join(c.dir, name)
	if err := c.download(ctx, url, dest); err != nil {
		return "", err
	}
	if err := c.images.Put(ctx, game, name); err != nil {
		return "", fmt.Errorf("recording artwork for %q: %w", game, err)
	}
	c.index.Add(game, name)
	c.logger.Info().Str("game", game).Str("file", name).Msg("Artwork cached")
	return name, nil
}

func (c *Cache) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building artwork request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading artwork: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artwork download returned %s", resp.Status)
	}

	tmp, err := os.CreateTemp(c.dir, "dl-*")
	if err != nil {
		return fmt.Errorf("creating artwork temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artwork: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// Slugify converts a title into a filesystem safe name.
func Slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func ext(url string) string {
	e := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0]))
	switch e {
	case ".png", ".jpg", ".jpeg", ".webp":
		return e
	}
	return ".png"
}
