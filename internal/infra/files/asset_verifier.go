package files

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"bongard-study-service/internal/domain"
)

// AssetVerifier checks that derived asset paths exist below root.
type AssetVerifier struct {
	root string
}

func NewAssetVerifier(root string) *AssetVerifier {
	return &AssetVerifier{root: root}
}

func (v *AssetVerifier) Exists(_ context.Context, relPath string) error {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(relPath, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return domain.Configurationf("asset path %s escapes the content root", relPath)
	}
	info, err := os.Stat(filepath.Join(v.root, clean))
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Configurationf("asset %s does not exist", relPath)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return domain.Configurationf("asset %s is a directory", relPath)
	}
	return nil
}
