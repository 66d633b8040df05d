package photo

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/spf13/afero"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func TestIsPhoto(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"a.jpg", true},
		{"a.JPEG", true},
		{"b.png", true},
		{"c.webp", true},
		{"d.bmp", true},
		{"notes.txt", false},
		{"raw.cr2", false},
		{"noext", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPhoto(tc.name); got != tc.expected {
				t.Errorf("IsPhoto(%q) = %v; want %v", tc.name, got, tc.expected)
			}
		})
	}
}

func TestFind(t *testing.T) {
	fsys := afero.NewMemMapFs()
	files := []string{
		"/photos/2024/b.jpg",
		"/photos/2024/a.png",
		"/photos/readme.txt",
		"/photos/.thumbs/x.jpg",
		"/photos/c.webp",
	}
	for _, f := range files {
		if err := afero.WriteFile(fsys, f, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := Find(fsys, "/photos", 0)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	want := []string{"/photos/2024/a.png", "/photos/2024/b.jpg", "/photos/c.webp"}
	if len(paths) != len(want) {
		t.Fatalf("Find() = %v; want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q; want %q", i, paths[i], want[i])
		}
	}

	limited, err := Find(fsys, "/photos", 2)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Find() with limit 2 returned %d paths", len(limited))
	}

	if _, err := Find(fsys, "/missing", 0); err == nil {
		t.Error("Find() on a missing directory should fail")
	}
}

func TestUID(t *testing.T) {
	a := UID([]byte("photo-a"))
	if a != UID([]byte("photo-a")) {
		t.Error("UID is not stable for equal content")
	}
	if a == UID([]byte("photo-b")) {
		t.Error("UID collides for different content")
	}
}

func TestLoad(t *testing.T) {
	fsys := afero.NewMemMapFs()
	small := encodePNG(t, 40, 30)
	large := encodePNG(t, 200, 100)
	if err := afero.WriteFile(fsys, "/p/small.png", small, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, "/p/large.png", large, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fsys, "/p/broken.jpg", []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("kept as is", func(t *testing.T) {
		p, err := Load(fsys, "/p/small.png", 100)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if p.Width != 40 || p.Height != 30 {
			t.Errorf("dims = %dx%d; want 40x30", p.Width, p.Height)
		}
		if !bytes.Equal(p.Data, small) {
			t.Error("small photo should not be re-encoded")
		}
		if p.UID != UID(small) {
			t.Error("UID should derive from the original content")
		}
		if p.TakenAt.IsZero() {
			t.Error("TakenAt should default to the file modification time")
		}
	})

	t.Run("downscaled", func(t *testing.T) {
		p, err := Load(fsys, "/p/large.png", 100)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if p.Width != 100 || p.Height != 50 {
			t.Errorf("dims = %dx%d; want 100x50", p.Width, p.Height)
		}
		img, err := jpeg.Decode(bytes.NewReader(p.Data))
		if err != nil {
			t.Fatalf("resized data is not a JPEG: %v", err)
		}
		if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
			t.Errorf("decoded dims = %dx%d; want 100x50", b.Dx(), b.Dy())
		}
		if p.UID != UID(large) {
			t.Error("UID should derive from the original content")
		}
	})

	t.Run("undecodable", func(t *testing.T) {
		if _, err := Load(fsys, "/p/broken.jpg", 100); err == nil {
			t.Error("Load() should fail for undecodable data")
		}
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := Load(fsys, "/p/none.png", 100); err == nil {
			t.Error("Load() should fail for a missing file")
		}
	})
}
