package gemini

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
}

// mimeFor returns the MIME type for path's extension, defaulting to JPEG.
func mimeFor(path string) string {
	if m, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return m
	}
	return "image/jpeg"
}

// prepareImage reads path and, when it decodes, down-scales it so the long
// edge is at most maxEdge and re-encodes it as JPEG. Formats the decoder does
// not know (HEIC, WebP) are sent unchanged.
func prepareImage(path string, maxEdge, quality int) ([]byte, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return raw, mimeFor(path), nil
	}

	if maxEdge > 0 && longEdge(img) > maxEdge {
		img = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	} else if mimeFor(path) == "image/jpeg" {
		return raw, "image/jpeg", nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

func longEdge(img image.Image) int {
	b := img.Bounds()
	if b.Dx() > b.Dy() {
		return b.Dx()
	}
	return b.Dy()
}
