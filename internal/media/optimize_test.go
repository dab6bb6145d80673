package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8((x * y) % 256), G: uint8(x % 256), B: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

func TestOptimizePassthroughSmallImage(t *testing.T) {
	data := encodePNG(t, 40, 30)

	img, err := Optimize(data)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if !bytes.Equal(img.Data, data) {
		t.Error("small image re-encoded, want passthrough")
	}
	if img.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", img.MimeType)
	}
	if img.Width != 40 || img.Height != 30 {
		t.Errorf("dimensions = %dx%d, want 40x30", img.Width, img.Height)
	}
}

func TestOptimizeResizesOversizeImage(t *testing.T) {
	data := encodeJPEG(t, MaxDimension+600, 400)

	img, err := Optimize(data)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if img.Width > MaxDimension || img.Height > MaxDimension {
		t.Errorf("dimensions = %dx%d, want within %d", img.Width, img.Height, MaxDimension)
	}
	if !img.IsWithinLimits() {
		t.Errorf("optimized image still over limits: %d bytes", img.Size())
	}
	if img.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q, want image/jpeg", img.MimeType)
	}
}

func TestOptimizeRejectsNonImage(t *testing.T) {
	if _, err := Optimize([]byte("definitely not an image")); err == nil {
		t.Fatal("Optimize accepted text input")
	}
}

func TestDetectMIME(t *testing.T) {
	if got := DetectMIME(encodePNG(t, 4, 4)); got != "image/png" {
		t.Errorf("DetectMIME(png) = %q", got)
	}
	if got := DetectMIME(encodeJPEG(t, 4, 4)); got != "image/jpeg" {
		t.Errorf("DetectMIME(jpeg) = %q", got)
	}
}
