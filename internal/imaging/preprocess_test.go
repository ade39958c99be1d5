package imaging

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// strokePNG draws a thick dark vertical stroke on a white canvas and
// encodes it as PNG, approximating a hand-drawn "1".
func strokePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	for y := h / 5; y < 4*h/5; y++ {
		for x := w/2 - w/20; x <= w/2+w/20; x++ {
			img.Set(x, y, color.Black)
		}
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"png", []byte{0x89, 'P', 'N', 'G', 0, 0}, FormatPNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, FormatJPEG},
		{"webp", append([]byte("RIFF"), append([]byte{0, 0, 0, 0}, []byte("WEBP")...)...), FormatWebP},
		{"data url", []byte("data:image/png;base64,AAAA"), FormatDataURL},
		{"garbage", []byte("hello world"), FormatUnknown},
		{"short", []byte{1, 2}, FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectFormat(tt.data))
		})
	}
}

func TestDecodePNG(t *testing.T) {
	img, err := Decode(strokePNG(t, 100, 100))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 100, img.Bounds().Dy())
}

func TestDecodeDataURL(t *testing.T) {
	data := strokePNG(t, 50, 50)
	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)

	img, err := Decode([]byte(url))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
}

func TestDecodeBareBase64(t *testing.T) {
	data := strokePNG(t, 40, 40)
	b64 := base64.StdEncoding.EncodeToString(data)

	img, err := Decode([]byte(b64))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not an image at all")},
		{"data url without payload", []byte("data:image/png;base64")},
		{"data url with bad base64", []byte("data:image/png;base64,!!!not-base64!!!")},
		{"truncated png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestDecodeCompositesTransparency(t *testing.T) {
	// A fully transparent canvas must read as white paper, not black.
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	gray, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint8(255), gray.GrayAt(5, 5).Y)
}

func TestCanonicalShapeAndPolarity(t *testing.T) {
	gray, err := Decode(strokePNG(t, 280, 280))
	require.NoError(t, err)

	out := Canonical(gray)
	assert.Equal(t, Size, out.Bounds().Dx())
	assert.Equal(t, Size, out.Bounds().Dy())

	// Canvas polarity must be inverted to MNIST polarity: dark
	// background with bright ink.
	assert.Less(t, borderIntensity(out), 128.0)

	var maxPix uint8
	for _, v := range out.Pix {
		if v > maxPix {
			maxPix = v
		}
	}
	assert.Greater(t, maxPix, uint8(128), "stroke should survive as bright ink")
}

func TestCanonicalIdempotent(t *testing.T) {
	gray, err := Decode(strokePNG(t, 280, 280))
	require.NoError(t, err)

	once := Canonical(gray)
	twice := Canonical(once)
	assert.Equal(t, once.Pix, twice.Pix, "canonicalizing a canonical image must change nothing")
}

func TestCanonicalBlankCanvas(t *testing.T) {
	blank := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range blank.Pix {
		blank.Pix[i] = 255
	}

	out := Canonical(blank)
	assert.Equal(t, Size, out.Bounds().Dx())
	for _, v := range out.Pix {
		assert.Equal(t, uint8(0), v)
	}
}

func TestNormalize(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, Size, Size))
	img.SetGray(3, 2, color.Gray{Y: 255})

	data, err := Normalize(img)
	require.NoError(t, err)
	require.Len(t, data, Size*Size)

	zero := float32((0 - Mean) / Std)
	one := float32((1 - Mean) / Std)
	assert.InDelta(t, zero, data[0], 1e-6)
	assert.InDelta(t, one, data[2*Size+3], 1e-6)
}

func TestNormalizeRejectsWrongSize(t *testing.T) {
	_, err := Normalize(image.NewGray(image.Rect(0, 0, 27, 28)))
	require.Error(t, err)
}

func TestPrepare(t *testing.T) {
	data, err := Prepare(strokePNG(t, 200, 200))
	require.NoError(t, err)
	assert.Len(t, data, Size*Size)
}

func TestFromRaw(t *testing.T) {
	pix := make([]byte, Size*Size)
	pix[Size+1] = 200

	img := FromRaw(pix)
	assert.Equal(t, uint8(200), img.GrayAt(1, 1).Y)
	assert.Equal(t, Size, img.Bounds().Dx())
}
