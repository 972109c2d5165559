// Package detector wraps a pretrained YOLO object-detection model.
//
// The model runs behind a Runner (ONNX Runtime in production). YOLO owns the
// pre- and post-processing around it: letterboxing, output decoding,
// non-max suppression and annotation. Handle records the outcome of the one
// load attempt made at process start.
package detector

import "image"

const (
	InputSize           = 640
	ConfidenceThreshold = 0.5
	IoUThreshold        = 0.6
	MaxDetections       = 300
)

// Region is a single detection in source-image pixel space.
type Region struct {
	Box        [4]float64
	ClassID    int
	Confidence float64
}

// Output is the result of one Detect call. Names is optional: adapters that
// carry a per-call class mapping set it, others leave it nil.
type Output struct {
	Regions   []Region
	Names     map[int]string
	Annotated image.Image
}

type Detector interface {
	Detect(img image.Image) (Output, error)
	// Names is the adapter-wide class mapping. It must not be mutated.
	Names() map[int]string
	Close() error
}
