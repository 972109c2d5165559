package detector

import (
	"errors"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

type ONNXOptions struct {
	// SharedLibraryPath points at the onnxruntime shared library. Empty uses
	// the platform default lookup.
	SharedLibraryPath string
	// LabelsPath optionally overrides the class names stored in the model.
	LabelsPath     string
	IntraOpThreads int
}

type onnxRunner struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (r *onnxRunner) Run(input []float32) ([]float32, error) {
	copy(r.input.GetData(), input)
	if err := r.session.Run(); err != nil {
		return nil, err
	}
	out := r.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (r *onnxRunner) Close() error {
	return errors.Join(r.session.Destroy(), r.input.Destroy(), r.output.Destroy())
}

// OpenONNX loads a YOLO detection model exported to ONNX. The model must take
// a single [1,3,640,640] float input and produce a [1,C,N] float output.
func OpenONNX(modelPath string, opts ONNXOptions) (*YOLO, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	if !ort.IsInitialized() {
		if opts.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(opts.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) == 0 {
		return nil, fmt.Errorf("expected 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if err := checkInputShape(in.Dimensions); err != nil {
		return nil, err
	}
	layout, err := layoutFromShape(out.Dimensions)
	if err != nil {
		return nil, err
	}

	names, err := modelNames(modelPath, opts.LabelsPath)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, InputSize, InputSize), make([]float32, 3*InputSize*InputSize))
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, out.Dimensions[1], out.Dimensions[2]))
	if err != nil {
		_ = inputTensor.Destroy()
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			_ = inputTensor.Destroy()
			_ = outputTensor.Destroy()
			return nil, fmt.Errorf("session options: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{in.Name},
		[]string{out.Name},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		_ = inputTensor.Destroy()
		_ = outputTensor.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return newOwnedYOLO(&onnxRunner{session: session, input: inputTensor, output: outputTensor}, layout, names)
}

// newOwnedYOLO builds a YOLO that owns runner. The runner is closed if the
// detector cannot be built.
func newOwnedYOLO(runner Runner, layout Layout, names map[int]string) (*YOLO, error) {
	y, err := NewYOLO(runner, layout, names)
	if err != nil {
		if runner != nil {
			err = errors.Join(err, runner.Close())
		}
		return nil, err
	}
	return y, nil
}

// checkInputShape accepts NCHW inputs that are either fixed at InputSize or
// dynamic (-1) in the spatial dimensions.
func checkInputShape(dims ort.Shape) error {
	if len(dims) != 4 {
		return fmt.Errorf("unsupported input rank %d", len(dims))
	}
	if dims[1] != 3 && dims[1] != -1 {
		return fmt.Errorf("unsupported input channels %d", dims[1])
	}
	for _, d := range dims[2:] {
		if d != InputSize && d != -1 {
			return fmt.Errorf("unsupported input size %v, want %d", dims, InputSize)
		}
	}
	return nil
}

func layoutFromShape(dims ort.Shape) (Layout, error) {
	if len(dims) != 3 || dims[1] <= 0 || dims[2] <= 0 {
		return Layout{}, fmt.Errorf("unsupported output shape %v", dims)
	}
	channels, anchors := int(dims[1]), int(dims[2])
	if channels > anchors {
		return Layout{Channels: anchors, Anchors: channels, Transposed: true}, nil
	}
	return Layout{Channels: channels, Anchors: anchors}, nil
}

func modelNames(modelPath, labelsPath string) (map[int]string, error) {
	if labelsPath != "" {
		return LoadLabels(labelsPath)
	}

	meta, err := ort.GetModelMetadata(modelPath)
	if err != nil {
		return nil, fmt.Errorf("model metadata: %w", err)
	}
	defer meta.Destroy()
	return namesFromMetadata(meta)
}

type metadataLookup interface {
	LookupCustomMetadataMap(key string) (string, bool, error)
}

// namesFromMetadata reads the "names" entry exported with the model. A model
// without one yields nil names and labels fall back to class ids.
func namesFromMetadata(meta metadataLookup) (map[int]string, error) {
	raw, ok, err := meta.LookupCustomMetadataMap("names")
	if err != nil {
		return nil, fmt.Errorf("model metadata names: %w", err)
	}
	if !ok {
		return nil, nil
	}
	names, err := ParseNames(raw)
	if err != nil {
		return nil, fmt.Errorf("model metadata: %w", err)
	}
	return names, nil
}
