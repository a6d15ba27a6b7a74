package media

import (
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/webp"
)

// IsWebP reports whether path has a .webp extension.
func IsWebP(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".webp")
}

// ConvertWebPToJPEG decodes the WebP image at src and writes it as a JPEG
// into dstDir, returning the new path.
func ConvertWebPToJPEG(src, dstDir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	img, err := webp.Decode(in)
	if err != nil {
		return "", fmt.Errorf("decode webp %s: %w", filepath.Base(src), err)
	}

	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".jpg"
	dst := filepath.Join(dstDir, name)
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: 90}); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}
