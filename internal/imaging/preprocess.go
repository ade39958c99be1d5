package imaging

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

const (
	// Size is the model input edge length (MNIST standard).
	Size = 28

	// Mean and Std are the MNIST dataset statistics applied after scaling
	// pixels to [0,1]. They must match the values used at training time.
	Mean = 0.1307
	Std  = 0.3081

	// inkThreshold zeroes faint anti-aliasing noise after inversion so the
	// bounding box tracks the actual stroke.
	inkThreshold = 50

	// cropPadding is the margin kept around the stroke bounding box.
	cropPadding = 4
)

// Canonical maps an arbitrary grayscale image to the model's canvas
// convention: Size x Size, white ink on black background, stroke centered.
// Hand-drawn input (dark ink on a light background) is inverted, faint
// pixels are thresholded away and the stroke is cropped to its bounding
// box with a small margin before the Lanczos resize.
//
// An image that is already canonical (Size x Size with a dark background)
// is returned as-is, so applying Canonical to its own output changes
// nothing. Raw MNIST images take that path too.
func Canonical(img *image.Gray) *image.Gray {
	if isCanonical(img) {
		return img
	}

	work := img
	if borderIntensity(work) >= 128 {
		work = invert(work)
	}
	work = threshold(work, inkThreshold)
	if box, ok := inkBounds(work); ok {
		work = crop(work, pad(box, work.Bounds(), cropPadding))
	}

	resized := resize.Resize(Size, Size, work, resize.Lanczos3)
	return toGray(resized)
}

// Normalize converts a canonical image to the model's input tensor:
// intensities scaled to [0,1], then standardized with the dataset mean and
// std. The image must be exactly Size x Size.
func Normalize(img *image.Gray) ([]float32, error) {
	bounds := img.Bounds()
	if bounds.Dx() != Size || bounds.Dy() != Size {
		return nil, fmt.Errorf("expected %dx%d image, got %dx%d", Size, Size, bounds.Dx(), bounds.Dy())
	}

	data := make([]float32, Size*Size)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			v := float32(img.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y) / 255.0
			data[y*Size+x] = (v - Mean) / Std
		}
	}
	return data, nil
}

// Prepare is the full inference-side pipeline: decode, canonicalize,
// normalize.
func Prepare(data []byte) ([]float32, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Normalize(Canonical(img))
}

// FromRaw wraps a Size*Size pixel buffer (row major, one byte per pixel,
// MNIST polarity) as a grayscale image without copying.
func FromRaw(pix []byte) *image.Gray {
	return &image.Gray{
		Pix:    pix,
		Stride: Size,
		Rect:   image.Rect(0, 0, Size, Size),
	}
}

func isCanonical(img *image.Gray) bool {
	b := img.Bounds()
	return b.Dx() == Size && b.Dy() == Size && borderIntensity(img) < 128
}

// borderIntensity averages the pixels on the image edge. The border is a
// reliable polarity probe: strokes sit inside the frame, so a light border
// means paper-style input and a dark border means MNIST convention. A
// whole-image mean would misjudge tightly cropped strokes.
func borderIntensity(img *image.Gray) float64 {
	bounds := img.Bounds()
	if bounds.Empty() {
		return 0
	}
	var sum, n uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if y != bounds.Min.Y && y != bounds.Max.Y-1 && x != bounds.Min.X && x != bounds.Max.X-1 {
				continue
			}
			sum += uint64(img.GrayAt(x, y).Y)
			n++
		}
	}
	return float64(sum) / float64(n)
}

func invert(img *image.Gray) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			out.SetGray(x, y, gray8(255-img.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y))
		}
	}
	return out
}

func threshold(img *image.Gray, cutoff uint8) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			v := img.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y
			if v <= cutoff {
				v = 0
			}
			out.SetGray(x, y, gray8(v))
		}
	}
	return out
}

// inkBounds returns the bounding box of nonzero pixels. ok is false when
// the image has no ink at all (e.g. an empty canvas).
func inkBounds(img *image.Gray) (image.Rectangle, bool) {
	bounds := img.Bounds()
	minX, minY := bounds.Max.X, bounds.Max.Y
	maxX, maxY := bounds.Min.X-1, bounds.Min.Y-1
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.GrayAt(x, y).Y > 0 {
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

func pad(box, limit image.Rectangle, margin int) image.Rectangle {
	return box.Inset(-margin).Intersect(limit)
}

func crop(img *image.Gray, box image.Rectangle) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, box.Dx(), box.Dy()))
	for y := 0; y < box.Dy(); y++ {
		for x := 0; x < box.Dx(); x++ {
			out.SetGray(x, y, img.GrayAt(box.Min.X+x, box.Min.Y+y))
		}
	}
	return out
}

func gray8(v uint8) color.Gray { return color.Gray{Y: v} }
