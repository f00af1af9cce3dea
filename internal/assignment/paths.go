package assignment

import (
	"fmt"
	"strings"

	"bongard-study-service/internal/domain"
)

// queryProbeIndex is the image inside a class folder shown as the query.
const queryProbeIndex = 6

// publicPath joins a pool-relative asset path onto the image base path.
func publicPath(base, rel string) string {
	base = strings.TrimSuffix(base, "/")
	rel = strings.TrimPrefix(rel, "/")
	if base == "" {
		return "/" + rel
	}
	return base + "/" + rel
}

// rewritePrefix replaces the first path segment with prefix when they differ.
// Some pools share one metadata layout but are deployed under renamed folders.
func rewritePrefix(rel, prefix string) string {
	if prefix == "" {
		return rel
	}
	trimmed := strings.TrimPrefix(rel, "/")
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return rel
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return prefix + "/" + trimmed
	}
	return prefix + trimmed[idx:]
}

// queryAsset derives the probe image for testID from the first positive example:
// bd/images/x_0000/1/0.png -> bd/images/x_0000/<class>/6.png
func queryAsset(testID string, positives []string) (string, error) {
	if len(positives) == 0 {
		return "", fmt.Errorf("item %q has no positive examples to derive a query image from", testID)
	}
	parts := strings.Split(positives[0], "/")
	if len(parts) < 3 {
		return "", fmt.Errorf("item %q: positive example %q has no test folder", testID, positives[0])
	}
	classFolder := "1"
	if domain.IsNegativeInstance(testID) {
		classFolder = "0"
	}
	base := strings.Join(parts[:len(parts)-2], "/")
	return fmt.Sprintf("%s/%s/%d.png", base, classFolder, queryProbeIndex), nil
}
