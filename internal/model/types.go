package model

// Metadata describes an ONNX artifact: tensor shapes and the class list.
// It sits next to the .onnx file as a small JSON document.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
}

// Prediction is the outcome for one image.
type Prediction struct {
	Label         int       `json:"label"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities"`
}

// Result is one entry of a batch prediction. Either Prediction or Err is
// set; a bad image fails its own slot without failing the batch.
type Result struct {
	Index      int
	Prediction *Prediction
	Err        error
}

// Info summarizes the loaded model for the model-info endpoint.
type Info struct {
	Engine         string `json:"engine"`
	Architecture   string `json:"architecture"`
	ParameterCount int    `json:"parameter_count"`
	Classes        int    `json:"classes"`
	InputSize      int    `json:"input_size"`
	ArtifactPath   string `json:"artifact_path,omitempty"`
	ArtifactSHA256 string `json:"artifact_sha256,omitempty"`
}
