package model

import (
	"fmt"
	"os"
	"sync"

	"plant-diagnosis-service/data"

	ort "github.com/yalue/onnxruntime_go"
)

// Options configures how an ONNX artifact is opened.
type Options struct {
	// InputName and OutputName are the graph node names. When empty they
	// are read from the artifact itself.
	InputName  string
	OutputName string
	Layout     Layout
	// LibraryPath points at the onnxruntime shared library, if not on the
	// default search path.
	LibraryPath string
}

// ONNXModel wraps an ONNX Runtime session for a single-image classifier.
// Input is one 224x224 RGB image, output is the class probability vector.
type ONNXModel struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputShape   []int64
	outputShape  []int64
	layout       Layout
}

// NewONNXModel initializes the ONNX Runtime environment and opens the model
// at path. Only the default CPU execution provider is used.
func NewONNXModel(path string, opts Options) (*ONNXModel, error) {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if opts.Layout == "" {
		opts.Layout = NHWC
	}
	// hide GPUs from a CUDA-enabled runtime build
	os.Setenv("CUDA_VISIBLE_DEVICES", "-1")

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
	}

	m, err := newSession(path, opts)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	return m, nil
}

func newSession(path string, opts Options) (*ONNXModel, error) {
	inputName, outputName := opts.InputName, opts.OutputName
	if inputName == "" || outputName == "" {
		inputs, outputs, err := ort.GetInputOutputInfo(path)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect model %s: %w", path, err)
		}
		if len(inputs) != 1 || len(outputs) != 1 {
			return nil, fmt.Errorf("expected exactly one input and one output, got %d and %d", len(inputs), len(outputs))
		}
		if inputName == "" {
			inputName = inputs[0].Name
		}
		if outputName == "" {
			outputName = outputs[0].Name
		}
	}

	inputShape := []int64{1, ImageSize, ImageSize, 3}
	if opts.Layout == NCHW {
		inputShape = []int64{1, 3, ImageSize, ImageSize}
	}
	outputShape := []int64{1, data.NumClasses}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session (input %q, output %q): %w", inputName, outputName, err)
	}

	return &ONNXModel{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputShape:   inputShape,
		outputShape:  outputShape,
		layout:       opts.Layout,
	}, nil
}

// Predict runs one forward pass and returns a copy of the probability
// vector. Calls are serialized because the session reuses its tensors.
func (m *ONNXModel) Predict(input []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inputData := m.inputTensor.GetData()
	if len(input) != len(inputData) {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", len(inputData), len(input))
	}
	copy(inputData, input)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("failed to run inference: %w", err)
	}

	outputData := m.outputTensor.GetData()
	result := make([]float32, len(outputData))
	copy(result, outputData)

	return result, nil
}

// Layout is the tensor layout the session was created with.
func (m *ONNXModel) Layout() Layout {
	return m.layout
}

// GetInputShape returns the input tensor shape.
func (m *ONNXModel) GetInputShape() []int64 {
	return m.inputShape
}

// GetOutputShape returns the output tensor shape.
func (m *ONNXModel) GetOutputShape() []int64 {
	return m.outputShape
}

// Close releases the session, its tensors and the runtime environment.
func (m *ONNXModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}

	return ort.DestroyEnvironment()
}

// Argmax returns the index and value of the largest probability. The first
// maximum wins on ties. An empty vector yields (-1, 0).
func Argmax(probabilities []float32) (int, float32) {
	if len(probabilities) == 0 {
		return -1, 0
	}
	maxIdx := 0
	maxProb := probabilities[0]
	for i := 1; i < len(probabilities); i++ {
		if probabilities[i] > maxProb {
			maxProb = probabilities[i]
			maxIdx = i
		}
	}
	return maxIdx, maxProb
}
