package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/digit-api/internal/nn"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// onnxEngine serves a model exported to ONNX, e.g. one trained in another
// framework. The session runs against pre-allocated tensors, so Infer is
// serialized with a mutex.
type onnxEngine struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// MetadataPath returns the JSON metadata file expected next to an ONNX
// artifact: model.onnx -> model_metadata.json.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + "_metadata.json"
}

// NewONNXEngine opens an ONNX artifact and its metadata file. The
// metadata shapes must describe a single 28x28 grayscale input and a
// 10-class output; anything else is a fatal load error.
func NewONNXEngine(modelPath, metadataPath string) (Engine, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initialize ONNX environment: %w", err)
	}

	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(metaFile, &metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if err := validateMetadata(metadata); err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create ONNX session: %w", err)
	}

	return &onnxEngine{
		session:      session,
		metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func validateMetadata(m Metadata) error {
	if m.ImageSize != nn.InputSize {
		return fmt.Errorf("metadata image_size %d, want %d", m.ImageSize, nn.InputSize)
	}
	if n := shapeElements(m.InputShape); n != nn.InputSize*nn.InputSize {
		return fmt.Errorf("metadata input_shape %v holds %d values, want %d", m.InputShape, n, nn.InputSize*nn.InputSize)
	}
	if n := shapeElements(m.OutputShape); n != nn.NumClasses {
		return fmt.Errorf("metadata output_shape %v holds %d values, want %d", m.OutputShape, n, nn.NumClasses)
	}
	if len(m.Classes) != 0 && len(m.Classes) != nn.NumClasses {
		return fmt.Errorf("metadata lists %d classes, want %d", len(m.Classes), nn.NumClasses)
	}
	return nil
}

func shapeElements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Infer runs the session once per input. The pre-allocated tensors hold a
// single sample, so batches are processed sequentially in order.
func (e *onnxEngine) Infer(batch [][]float32) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logits := make([][]float32, len(batch))
	for i, in := range batch {
		if len(in) != len(e.inputTensor.GetData()) {
			return nil, fmt.Errorf("input %d: expected %d values, got %d", i, len(e.inputTensor.GetData()), len(in))
		}
		copy(e.inputTensor.GetData(), in)

		if err := e.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}

		row := make([]float32, nn.NumClasses)
		copy(row, e.outputTensor.GetData())
		logits[i] = row
	}
	return logits, nil
}

func (e *onnxEngine) Classes() int { return nn.NumClasses }

func (e *onnxEngine) Describe() Info {
	return Info{
		Engine:       "onnx",
		Architecture: fmt.Sprintf("ONNX graph, input %v output %v", e.metadata.InputShape, e.metadata.OutputShape),
		Classes:      nn.NumClasses,
		InputSize:    nn.InputSize,
	}
}

func (e *onnxEngine) Close() {
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
	if e.session != nil {
		e.session.Destroy()
	}
	ort.DestroyEnvironment()
}
