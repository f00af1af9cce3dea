package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bongard-study-service/internal/domain"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPoolLoaderReadsMetadataFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "metadata", "bd.json"), `[
		{"test_id":"bd_acute_0001","concept":"acute","images":{"pos":["bd/images/bd_acute_0001/1/0.png"],"neg":["bd/images/bd_acute_0001/0/0.png"]}},
		{"test_id":"bd_acute_0002_neg","concept":"acute","images":{"pos":["bd/images/bd_acute_0002/1/0.png"],"neg":[]}}
	]`)

	loader := NewPoolLoader(root, map[string]string{"bd": "/metadata/bd.json", "ff": "metadata/ff.json"})

	items, err := loader.LoadPool(context.Background(), "bd")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "bd_acute_0002_neg", items[1].TestID)
	require.Equal(t, []string{"bd/images/bd_acute_0001/1/0.png"}, items[0].Images.Pos)

	_, err = loader.LoadPool(context.Background(), "ff")
	require.ErrorIs(t, err, domain.ErrConfiguration, "missing file")

	_, err = loader.LoadPool(context.Background(), "hd")
	require.ErrorIs(t, err, domain.ErrConfiguration, "unmapped category")
}

func TestPoolLoaderRejectsMalformedDocument(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bd.json"), `{"not":"an array"}`)

	_, err := NewPoolLoader(root, map[string]string{"bd": "bd.json"}).LoadPool(context.Background(), "bd")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrConfiguration)
}

func TestAssetVerifier(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bd", "images", "x", "1", "6.png"), "png")
	v := NewAssetVerifier(root)

	require.NoError(t, v.Exists(context.Background(), "bd/images/x/1/6.png"))
	require.NoError(t, v.Exists(context.Background(), "/bd/images/x/1/6.png"))
	require.ErrorIs(t, v.Exists(context.Background(), "bd/images/x/0/6.png"), domain.ErrConfiguration)
	require.ErrorIs(t, v.Exists(context.Background(), "bd/images/x"), domain.ErrConfiguration)
	require.ErrorIs(t, v.Exists(context.Background(), "../secret.png"), domain.ErrConfiguration)
}
