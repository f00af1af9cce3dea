// Package files reads the deployed study content (metadata documents and
// images) from a directory tree.
package files

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bongard-study-service/internal/domain"
)

// PoolLoader reads a category pool from the metadata file configured for it.
// Paths in metadata_files are relative to root; a leading slash is ignored,
// matching how the files are referenced from the web root.
type PoolLoader struct {
	root  string
	files map[string]string
}

func NewPoolLoader(root string, metadataFiles map[string]string) *PoolLoader {
	return &PoolLoader{root: root, files: metadataFiles}
}

func (l *PoolLoader) LoadPool(ctx context.Context, category string) ([]domain.RawItem, error) {
	rel, ok := l.files[category]
	if !ok || rel == "" {
		return nil, domain.Configurationf("no metadata file configured for category %q", category)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.resolve(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.Configurationf("metadata file %s for category %q does not exist", rel, category)
	}
	if err != nil {
		return nil, fmt.Errorf("read pool %s: %w", category, err)
	}
	var items []domain.RawItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode pool %s: %w", category, err)
	}
	return items, nil
}

// LoadAll reads every configured pool, keyed by category.
func (l *PoolLoader) LoadAll(ctx context.Context) (map[string][]domain.RawItem, error) {
	pools := make(map[string][]domain.RawItem, len(l.files))
	for category := range l.files {
		items, err := l.LoadPool(ctx, category)
		if err != nil {
			return nil, err
		}
		pools[category] = items
	}
	return pools, nil
}

func (l *PoolLoader) resolve(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
}
