// Package imaging is the single pixel pipeline shared by training and
// serving. Both paths go through Canonical and Normalize, so the resize
// interpolation, stroke polarity and intensity scaling can never drift
// between dataset preparation and live inference.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Format is a supported input encoding.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatDataURL Format = "data-url"
	FormatUnknown Format = "unknown"
)

var (
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicPNG  = []byte{0x89, 0x50, 0x4E, 0x47}
	magicWebP = []byte("RIFF")
)

// ErrDecode marks input that could not be decoded as an image. Callers use
// it to distinguish bad client input from internal failures.
var ErrDecode = errors.New("undecodable image data")

// DetectFormat sniffs the payload encoding from its leading bytes.
func DetectFormat(data []byte) Format {
	switch {
	case len(data) < 4:
		return FormatUnknown
	case bytes.HasPrefix(data, magicJPEG):
		return FormatJPEG
	case bytes.HasPrefix(data, magicPNG):
		return FormatPNG
	case bytes.HasPrefix(data, magicWebP) && len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")):
		return FormatWebP
	case bytes.HasPrefix(data, []byte("data:")):
		return FormatDataURL
	}
	return FormatUnknown
}

// Decode turns an image payload into a grayscale image. Accepted encodings
// are PNG, JPEG, WebP and base64 data URLs wrapping one of those. Images
// with an alpha channel are composited onto a white background first, so a
// transparent canvas export reads as black ink on white paper.
func Decode(data []byte) (*image.Gray, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	format := DetectFormat(data)
	if format == FormatDataURL {
		raw, err := decodeDataURL(data)
		if err != nil {
			return nil, err
		}
		data = raw
		format = DetectFormat(data)
	}
	if format == FormatUnknown {
		// Last resort: a bare base64 string with no data: header.
		if raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data))); err == nil {
			data = raw
			format = DetectFormat(data)
		}
	}
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: unrecognized encoding", ErrDecode)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return toGray(compositeWhite(img)), nil
}

// decodeDataURL strips a "data:image/png;base64," style header and decodes
// the remainder.
func decodeDataURL(data []byte) ([]byte, error) {
	_, b64, ok := bytes.Cut(data, []byte(","))
	if !ok {
		return nil, fmt.Errorf("%w: data URL without payload", ErrDecode)
	}
	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(b64)))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrDecode, err)
	}
	return raw, nil
}

// compositeWhite flattens any alpha channel onto a white background.
func compositeWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, bounds, img, bounds.Min, draw.Over)
	return dst
}

// toGray converts any image to 8-bit grayscale.
func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}
