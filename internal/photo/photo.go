// Package photo finds photos on disk and prepares them for face detection.
package photo

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// namespace scopes photo UIDs derived from file content.
var namespace = uuid.MustParse("6f1c3a52-9a4e-4d8e-b7a5-0d6c2e9f4b11")

var extensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

// Photo is a photo ready to be sent to the embedding server. Width and Height
// describe Data, which may be a downscaled copy of the file.
type Photo struct {
	UID     string
	Path    string
	Data    []byte
	Width   int
	Height  int
	TakenAt time.Time
}

// IsPhoto reports whether the file name has a supported image extension.
func IsPhoto(name string) bool {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// Find walks root and returns supported photo paths in lexical order. A
// positive limit caps the result.
func Find(fsys afero.Fs, root string, limit int) ([]string, error) {
	var paths []string
	err := afero.Walk(fsys, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsPhoto(info.Name()) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	slices.Sort(paths)
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	return paths, nil
}

// UID derives a stable photo identifier from the file content, so a moved or
// renamed file is not processed twice.
func UID(data []byte) string {
	sum := sha256.Sum256(data)
	return uuid.NewSHA1(namespace, sum[:]).String()
}

// Load reads a photo and downscales it to fit within maxSize when it is
// larger. maxSize <= 0 keeps the original.
func Load(fsys afero.Fs, path string, maxSize int) (*Photo, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	p := &Photo{
		UID:    UID(data),
		Path:   path,
		Data:   data,
		Width:  cfg.Width,
		Height: cfg.Height,
	}
	if info, err := fsys.Stat(path); err == nil {
		p.TakenAt = info.ModTime()
	}

	if maxSize > 0 && (cfg.Width > maxSize || cfg.Height > maxSize) {
		resized, w, h, err := ResizeImage(data, maxSize)
		if err != nil {
			return nil, fmt.Errorf("resizing %s: %w", path, err)
		}
		p.Data, p.Width, p.Height = resized, w, h
	}
	return p, nil
}

// ResizeImage resizes an image to fit within maxSize (width or height) while
// keeping aspect ratio, and returns it as JPEG with its new dimensions.
func ResizeImage(data []byte, maxSize int) ([]byte, int, int, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	newWidth, newHeight := width, height
	if width > maxSize || height > maxSize {
		if width > height {
			newWidth = maxSize
			newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
		} else {
			newHeight = maxSize
			newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
		}
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 90}); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode resized image: %w", err)
	}
	return buf.Bytes(), newWidth, newHeight, nil
}
