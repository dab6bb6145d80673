// Package media materializes inbound attachments and prepares outbound
// uploads. Inbound images and transcoded voice land under the data dir
// with uuid-prefixed names and a TTL sweep; outbound images are resized
// and recompressed until they fit the vendor's upload limits.
package media

import (
	"encoding/base64"

	"github.com/gabriel-vasile/mimetype"
)

// Upload limits. Rich-media payloads travel base64-inlined, so the raw
// bytes have to stay well under what the endpoint accepts.
const (
	MaxDimension = 2000            // max width or height in pixels
	MaxBytes     = 5 * 1024 * 1024 // 5MB max encoded size
	MinQuality   = 35              // lowest JPEG quality the grid search tries
	MaxQuality   = 85              // starting JPEG quality
)

// SupportedMIMETypes are the image types accepted for outbound uploads.
// WebP is decode-only; the optimizer re-encodes it as JPEG.
var SupportedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// ImageData is a processed image ready for upload.
type ImageData struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Base64 returns the image bytes encoded for file_data uploads.
func (img *ImageData) Base64() string {
	return base64.StdEncoding.EncodeToString(img.Data)
}

// Size returns the size in bytes.
func (img *ImageData) Size() int {
	return len(img.Data)
}

// IsWithinLimits returns true if the image fits the upload limits.
func (img *ImageData) IsWithinLimits() bool {
	return img.Width <= MaxDimension &&
		img.Height <= MaxDimension &&
		len(img.Data) <= MaxBytes
}

// DetectMIME returns the MIME type from magic bytes, not file extension.
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// IsSupported returns true if the MIME type can be uploaded as an image.
func IsSupported(mimeType string) bool {
	return SupportedMIMETypes[mimeType]
}
