package model

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/Brownie44l1/digit-api/internal/imaging"
	"github.com/Brownie44l1/digit-api/internal/nn"
)

// ErrNotReady is returned while no model is loaded. The HTTP layer maps it
// to 503, distinct from bad-input 400s.
var ErrNotReady = errors.New("model not loaded")

// Classifier is the serving-side digit recognizer. It is constructed once
// at startup, loaded with an engine, and shared read-only by all request
// handlers.
type Classifier struct {
	engine Engine
	info   Info
	ready  bool
}

// NewClassifier returns an empty, not-ready classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// LoadClassifier builds a classifier from a parameter artifact. A .onnx
// suffix selects the ONNX Runtime engine (with its sibling metadata file);
// anything else is read as a native checkpoint. Load verifies the artifact
// against the architecture and runs one smoke inference before reporting
// ready.
func LoadClassifier(path string) (*Classifier, error) {
	c := NewClassifier()

	var engine Engine
	var err error
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		engine, err = NewONNXEngine(path, MetadataPath(path))
	} else {
		var net *nn.Network
		net, err = nn.Load(path)
		if err == nil {
			engine = NewNativeEngine(net)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := c.Attach(engine, path); err != nil {
		engine.Close()
		return nil, err
	}
	return c, nil
}

// Attach installs an engine and verifies it with a trivial forward pass on
// a blank canonical image. The classifier reports ready only after that
// pass succeeds.
func (c *Classifier) Attach(engine Engine, artifactPath string) error {
	blank, err := imaging.Normalize(image.NewGray(image.Rect(0, 0, imaging.Size, imaging.Size)))
	if err != nil {
		return err
	}
	out, err := engine.Infer([][]float32{blank})
	if err != nil {
		return fmt.Errorf("model self-test failed: %w", err)
	}
	if len(out) != 1 || len(out[0]) != engine.Classes() {
		return fmt.Errorf("model self-test failed: output does not cover %d classes", engine.Classes())
	}

	info := engine.Describe()
	if artifactPath != "" {
		info.ArtifactPath = artifactPath
		if sum, err := nn.Checksum(artifactPath); err == nil {
			info.ArtifactSHA256 = sum
		}
	}

	c.engine = engine
	c.info = info
	c.ready = true
	return nil
}

// Ready reports whether predictions can be served.
func (c *Classifier) Ready() bool { return c.ready }

// Info returns the loaded model description, or ErrNotReady.
func (c *Classifier) Info() (Info, error) {
	if !c.ready {
		return Info{}, ErrNotReady
	}
	return c.info, nil
}

// PredictSingle classifies one image payload. Undecodable input yields an
// error wrapping imaging.ErrDecode; an unloaded model yields ErrNotReady.
func (c *Classifier) PredictSingle(data []byte) (*Prediction, error) {
	if !c.ready {
		return nil, ErrNotReady
	}

	input, err := imaging.Prepare(data)
	if err != nil {
		return nil, err
	}

	logits, err := c.engine.Infer([][]float32{input})
	if err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	return fromLogits(logits[0]), nil
}

// PredictBatch classifies a sequence of image payloads, returning one
// Result per input in submission order. Decodable images share a single
// stacked forward pass; an undecodable image fails only its own slot.
func (c *Classifier) PredictBatch(images [][]byte) ([]Result, error) {
	if !c.ready {
		return nil, ErrNotReady
	}

	results := make([]Result, len(images))
	var batch [][]float32
	var batchIdx []int
	for i, data := range images {
		results[i].Index = i
		input, err := imaging.Prepare(data)
		if err != nil {
			results[i].Err = err
			continue
		}
		batch = append(batch, input)
		batchIdx = append(batchIdx, i)
	}

	if len(batch) > 0 {
		logits, err := c.engine.Infer(batch)
		if err != nil {
			return nil, fmt.Errorf("inference: %w", err)
		}
		for j, row := range logits {
			results[batchIdx[j]].Prediction = fromLogits(row)
		}
	}
	return results, nil
}

// Close releases the engine.
func (c *Classifier) Close() {
	if c.engine != nil {
		c.engine.Close()
	}
	c.ready = false
}

func fromLogits(logits []float32) *Prediction {
	probs := nn.Softmax(logits)
	label := nn.Argmax(probs)
	return &Prediction{
		Label:         label,
		Confidence:    probs[label],
		Probabilities: probs,
	}
}
