package train

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/digit-api/internal/imaging"
	"github.com/Brownie44l1/digit-api/internal/mnist"
	"github.com/Brownie44l1/digit-api/internal/nn"
)

func writeIDX(t *testing.T, dir, name string, magic uint32, dims []uint32, payload []byte) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, magic))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, dims))
	buf.Write(payload)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(buf.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".gz"), gz.Bytes(), 0o644))
}

// writeTinyDataset creates n samples where each digit d is a bright block
// whose position depends on d, a pattern a CNN can separate.
func writeTinyDataset(t *testing.T, dir string, n int, train bool) {
	t.Helper()

	imgName, lblName := mnist.TrainImages, mnist.TrainLabels
	if !train {
		imgName, lblName = mnist.TestImages, mnist.TestLabels
	}

	size := imaging.Size
	images := make([]byte, n*size*size)
	labels := make([]byte, n)
	for i := 0; i < n; i++ {
		d := i % 10
		labels[i] = byte(d)
		base := i * size * size
		for y := 2 * (d / 2); y < 2*(d/2)+6; y++ {
			for x := 2 + 2*(d%2)*6; x < 8+2*(d%2)*6; x++ {
				images[base+y*size+x] = 255
			}
		}
	}
	writeIDX(t, dir, imgName, 2051, []uint32{uint32(n), uint32(size), uint32(size)}, images)
	writeIDX(t, dir, lblName, 2049, []uint32{uint32(n)}, labels)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunWritesArtifact(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training run in short mode")
	}

	dir := t.TempDir()
	writeTinyDataset(t, dir, 40, true)

	cfg := Config{
		Epochs:       1,
		BatchSize:    8,
		LearningRate: 0.001,
		Seed:         1,
		ValFraction:  0.1,
		DataDir:      dir,
		OutPath:      filepath.Join(dir, "model.ckpt"),
	}

	net, err := Run(cfg, quietLogger())
	require.NoError(t, err)
	require.NotNil(t, net)

	// The artifact must exist and round-trip into the architecture.
	loaded, err := nn.Load(cfg.OutPath)
	require.NoError(t, err)
	assert.Equal(t, net.Parameters()[0].Data, loaded.Parameters()[0].Data)
}

func TestRunRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	writeTinyDataset(t, dir, 20, true)

	base := Config{
		Epochs:       1,
		BatchSize:    8,
		LearningRate: 0.001,
		Seed:         1,
		ValFraction:  0.1,
		DataDir:      dir,
		OutPath:      filepath.Join(dir, "model.ckpt"),
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"negative batch size", func(c *Config) { c.BatchSize = -1 }},
		{"val fraction at one", func(c *Config) { c.ValFraction = 1 }},
		{"val fraction above one", func(c *Config) { c.ValFraction = 1.5 }},
		{"negative val fraction", func(c *Config) { c.ValFraction = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)

			_, err := Run(cfg, quietLogger())
			require.Error(t, err)

			_, statErr := os.Stat(cfg.OutPath)
			assert.True(t, os.IsNotExist(statErr), "no artifact may be written for a rejected config")
		})
	}
}

func TestRunWithoutValidationSplit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training run in short mode")
	}

	dir := t.TempDir()
	writeTinyDataset(t, dir, 20, true)

	cfg := Config{
		Epochs:       1,
		BatchSize:    8,
		LearningRate: 0.001,
		Seed:         1,
		ValFraction:  0,
		DataDir:      dir,
		OutPath:      filepath.Join(dir, "model.ckpt"),
	}

	// With no held-out subset the run must still complete and persist.
	_, err := Run(cfg, quietLogger())
	require.NoError(t, err)

	_, err = nn.Load(cfg.OutPath)
	require.NoError(t, err)
}

func TestRunAbortsOnDivergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training run in short mode")
	}

	dir := t.TempDir()
	writeTinyDataset(t, dir, 40, true)

	// An absurd learning rate blows the weights past float32 range within
	// a step or two, driving the batch loss non-finite.
	cfg := Config{
		Epochs:       3,
		BatchSize:    8,
		LearningRate: 1e18,
		Seed:         1,
		ValFraction:  0.1,
		DataDir:      dir,
		OutPath:      filepath.Join(dir, "model.ckpt"),
	}

	_, err := Run(cfg, quietLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiverged)

	_, statErr := os.Stat(cfg.OutPath)
	assert.True(t, os.IsNotExist(statErr), "no artifact may be written after divergence")
}

func TestRunFailsWithoutDataset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.OutPath = filepath.Join(cfg.DataDir, "model.ckpt")

	_, err := Run(cfg, quietLogger())
	require.Error(t, err)

	_, statErr := os.Stat(cfg.OutPath)
	assert.True(t, os.IsNotExist(statErr), "no artifact may be written on failure")
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	writeTinyDataset(t, dir, 20, false)

	ds, err := mnist.Load(dir, false)
	require.NoError(t, err)

	acc, err := Evaluate(nn.NewNetwork(1), ds, 8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
}

func TestEvaluateEmptyDataset(t *testing.T) {
	_, err := Evaluate(nn.NewNetwork(1), &mnist.Dataset{}, 8)
	require.Error(t, err)
}

// TestMNISTSevenRegression trains on the real dataset and checks the
// classic floor: a canonical "7" comes back as 7 with confidence above
// one half. Needs the idx files, so it is opt-in.
func TestMNISTSevenRegression(t *testing.T) {
	dir := os.Getenv("DIGIT_TEST_DATA")
	if dir == "" {
		t.Skip("set DIGIT_TEST_DATA to a directory with the MNIST idx files to run")
	}

	cfg := DefaultConfig()
	cfg.Epochs = 1
	cfg.DataDir = dir
	cfg.OutPath = filepath.Join(t.TempDir(), "model.ckpt")

	net, err := Run(cfg, quietLogger())
	require.NoError(t, err)

	testSet, err := mnist.Load(dir, false)
	require.NoError(t, err)

	acc, err := Evaluate(net, testSet, cfg.BatchSize)
	require.NoError(t, err)
	assert.Greater(t, acc, 0.9, "one epoch should clear 90 percent on t10k")

	for i := 0; i < testSet.Len(); i++ {
		if testSet.Labels[i] != 7 {
			continue
		}
		input, err := imaging.Normalize(imaging.FromRaw(testSet.Images[i]))
		require.NoError(t, err)
		logits, err := net.Forward([][]float32{input}, false)
		require.NoError(t, err)

		probs := nn.Softmax(logits[0])
		assert.Equal(t, 7, nn.Argmax(probs))
		assert.Greater(t, probs[7], float32(0.5))
		break
	}
}
