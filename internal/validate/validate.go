// SPDX-License-Identifier: MIT

// Package validate implements the Validator collaborator the HTTP job
// submission handler calls before persisting an upload: magic-byte sniffing,
// decode verification, and EXIF stripping by re-encoding.
package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/go-faster/errors"
	"golang.org/x/image/webp"
)

// Interface is the validator collaborator the core consumes.
type Interface interface {
	// Validate sniffs, decodes, and re-encodes data to strip metadata,
	// returning the cleaned bytes, a content hash, and the chosen extension.
	Validate(data []byte, filename string) (cleaned []byte, hash string, ext string, err error)
}

// ImageValidator implements Interface. MaxUploadBytes caps a single upload;
// larger payloads are rejected before any decode is attempted.
type ImageValidator struct {
	MaxUploadBytes int64
}

// New returns an ImageValidator enforcing maxUploadBytes.
func New(maxUploadBytes int64) *ImageValidator {
	return &ImageValidator{MaxUploadBytes: maxUploadBytes}
}

var errUnsupportedFormat = errors.New("unsupported image format (bad magic bytes)")

func detectExt(data []byte) (string, error) {
	switch {
	case len(data) >= 3 && bytes.Equal(data[:3], []byte{0xFF, 0xD8, 0xFF}):
		return "jpg", nil
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}):
		return "png", nil
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp", nil
	default:
		return "", errUnsupportedFormat
	}
}

// Validate implements Interface.
func (v *ImageValidator) Validate(data []byte, filename string) ([]byte, string, string, error) {
	if int64(len(data)) > v.MaxUploadBytes {
		return nil, "", "", errors.Newf("file too large (%d bytes, max %d)", len(data), v.MaxUploadBytes)
	}

	detected, err := detectExt(data)
	if err != nil {
		return nil, "", "", err
	}

	img, err := decode(data, detected)
	if err != nil {
		return nil, "", "", errors.Wrap(err, "invalid image data")
	}

	cleaned, ext, err := reencode(img)
	if err != nil {
		return nil, "", "", errors.Wrap(err, "re-encode image")
	}

	sum := sha256.Sum256(cleaned)
	return cleaned, hex.EncodeToString(sum[:]), ext, nil
}

func decode(data []byte, ext string) (image.Image, error) {
	r := bytes.NewReader(data)
	switch ext {
	case "jpg":
		return jpeg.Decode(r)
	case "png":
		return png.Decode(r)
	case "webp":
		return webp.Decode(r)
	default:
		return nil, errUnsupportedFormat
	}
}

// reencode strips all metadata (EXIF, ICC profiles, text chunks) by decoding
// to an in-memory image.Image and re-encoding from scratch. RGBA/paletted
// images go to PNG to preserve transparency; everything else becomes JPEG,
// mirroring the original pipeline's format choice.
func reencode(img image.Image) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	switch img.(type) {
	case *image.NRGBA, *image.RGBA, *image.Paletted:
		if err := png.Encode(buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "png", nil
	default:
		if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 95}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "jpg", nil
	}
}
