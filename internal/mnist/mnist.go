// Package mnist reads the MNIST idx-ubyte files and prepares training
// batches. Pixel values stay raw bytes until batch time, when they go
// through the same imaging.Normalize used for live requests.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/rand"

	"github.com/Brownie44l1/digit-api/internal/imaging"
)

// Standard MNIST file names. The loader accepts either the gzipped
// originals or pre-extracted files.
const (
	TrainImages = "train-images-idx3-ubyte"
	TrainLabels = "train-labels-idx1-ubyte"
	TestImages  = "t10k-images-idx3-ubyte"
	TestLabels  = "t10k-labels-idx1-ubyte"
)

// idx magic numbers: 0x00000803 for 3-dim ubyte (images), 0x00000801 for
// 1-dim ubyte (labels).
const (
	magicImages = 2051
	magicLabels = 2049
)

// Dataset is an ordered set of labeled digit images.
type Dataset struct {
	Images [][]byte // raw 28x28 pixel rows, MNIST polarity
	Labels []byte
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.Labels) }

// Load reads the train or test pair from dir.
func Load(dir string, train bool) (*Dataset, error) {
	imgName, lblName := TrainImages, TrainLabels
	if !train {
		imgName, lblName = TestImages, TestLabels
	}

	images, err := readImages(resolve(dir, imgName))
	if err != nil {
		return nil, err
	}
	labels, err := readLabels(resolve(dir, lblName))
	if err != nil {
		return nil, err
	}
	if len(images) != len(labels) {
		return nil, fmt.Errorf("mnist: %d images but %d labels", len(images), len(labels))
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("mnist: dataset in %s is empty", dir)
	}

	return &Dataset{Images: images, Labels: labels}, nil
}

// resolve prefers the gzipped file when both exist.
func resolve(dir, name string) string {
	gz := filepath.Join(dir, name+".gz")
	if _, err := os.Stat(gz); err == nil {
		return gz
	}
	return filepath.Join(dir, name)
}

func openMaybeGzip(path string) (io.ReadCloser, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("mnist: %w (download the MNIST idx files first)", err)
	}
	if filepath.Ext(path) != ".gz" {
		return f, func() { f.Close() }, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("mnist: %s: %w", filepath.Base(path), err)
	}
	return zr, func() { zr.Close(); f.Close() }, nil
}

func readImages(path string) ([][]byte, error) {
	r, done, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer done()

	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, header[:]); err != nil {
		return nil, fmt.Errorf("mnist: %s: short header", filepath.Base(path))
	}
	if header[0] != magicImages {
		return nil, fmt.Errorf("mnist: %s: magic %d, want %d", filepath.Base(path), header[0], magicImages)
	}
	count, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if rows != imaging.Size || cols != imaging.Size {
		return nil, fmt.Errorf("mnist: %s: %dx%d images, want %dx%d", filepath.Base(path), rows, cols, imaging.Size, imaging.Size)
	}

	images := make([][]byte, count)
	for i := range images {
		buf := make([]byte, rows*cols)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("mnist: %s: truncated at image %d: %w", filepath.Base(path), i, err)
		}
		images[i] = buf
	}
	return images, nil
}

func readLabels(path string) ([]byte, error) {
	r, done, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer done()

	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, header[:]); err != nil {
		return nil, fmt.Errorf("mnist: %s: short header", filepath.Base(path))
	}
	if header[0] != magicLabels {
		return nil, fmt.Errorf("mnist: %s: magic %d, want %d", filepath.Base(path), header[0], magicLabels)
	}

	labels := make([]byte, header[1])
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("mnist: %s: truncated labels: %w", filepath.Base(path), err)
	}
	for i, l := range labels {
		if l > 9 {
			return nil, fmt.Errorf("mnist: %s: label %d at index %d out of range", filepath.Base(path), l, i)
		}
	}
	return labels, nil
}

// Split carves off the last fraction of the set as a validation subset.
// The split is deterministic; shuffle afterwards if needed.
func (d *Dataset) Split(valFraction float64) (train, val *Dataset) {
	nVal := int(float64(d.Len()) * valFraction)
	cut := d.Len() - nVal
	train = &Dataset{Images: d.Images[:cut], Labels: d.Labels[:cut]}
	val = &Dataset{Images: d.Images[cut:], Labels: d.Labels[cut:]}
	return train, val
}

// Shuffle permutes the samples in place.
func (d *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(d.Len(), func(i, j int) {
		d.Images[i], d.Images[j] = d.Images[j], d.Images[i]
		d.Labels[i], d.Labels[j] = d.Labels[j], d.Labels[i]
	})
}

// Batch normalizes samples [start, start+size) into model inputs. The
// final batch of an epoch may be short.
func (d *Dataset) Batch(start, size int) ([][]float32, []int, error) {
	end := start + size
	if end > d.Len() {
		end = d.Len()
	}
	inputs := make([][]float32, 0, end-start)
	labels := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		in, err := imaging.Normalize(imaging.FromRaw(d.Images[i]))
		if err != nil {
			return nil, nil, fmt.Errorf("mnist: sample %d: %w", i, err)
		}
		inputs = append(inputs, in)
		labels = append(labels, int(d.Labels[i]))
	}
	return inputs, labels, nil
}
