package model

type ErrorResponse struct {
	Detail string `json:"detail"`
}

type StatusResponse struct {
	Status      string  `json:"status"`
	ModelLoaded bool    `json:"model_loaded"`
	ModelPath   string  `json:"model_path"`
	ModelError  *string `json:"model_error"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Detection struct {
	BBox  [4]float64 `json:"bbox"`
	Label string     `json:"label"`
	Conf  float64    `json:"conf"`
}

type DetectResponse struct {
	Detections []Detection `json:"detections"`
	Image      string      `json:"image"`
}

// TTSQuery carries the /api/tts query. Lang is not validated; unknown codes
// fall back to the default voice.
type TTSQuery struct {
	Text string `validate:"required,max=500"`
	Lang string
}
