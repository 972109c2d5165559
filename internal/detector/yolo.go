package detector

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"
	"sync"

	"github.com/nfnt/resize"
)

// Runner executes the model on a 1x3xNxN float32 tensor and returns the raw
// output tensor. Implementations need not be safe for concurrent use.
type Runner interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Layout describes the model's output tensor. YOLOv8-style exports emit
// [1, 4+classes, anchors]; Transposed covers [1, anchors, 4+classes].
type Layout struct {
	Channels   int
	Anchors    int
	Transposed bool
}

func (l Layout) numClasses() int { return l.Channels - 4 }

type YOLO struct {
	runner Runner
	layout Layout
	names  map[int]string

	// the underlying session is single-instance; inference is serialized
	mu sync.Mutex
}

func NewYOLO(runner Runner, layout Layout, names map[int]string) (*YOLO, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if layout.Channels <= 4 || layout.Anchors <= 0 {
		return nil, fmt.Errorf("unsupported output layout %dx%d", layout.Channels, layout.Anchors)
	}
	if names == nil {
		names = map[int]string{}
	}
	return &YOLO{runner: runner, layout: layout, names: names}, nil
}

func (y *YOLO) Names() map[int]string { return y.names }

func (y *YOLO) Close() error { return y.runner.Close() }

func (y *YOLO) Detect(img image.Image) (Output, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return Output{}, errors.New("empty image")
	}

	canvas, lb := letterbox(img, InputSize)
	input := toTensor(canvas)

	y.mu.Lock()
	raw, err := y.runner.Run(input)
	y.mu.Unlock()
	if err != nil {
		return Output{}, fmt.Errorf("inference: %w", err)
	}
	if want := y.layout.Channels * y.layout.Anchors; len(raw) < want {
		return Output{}, fmt.Errorf("inference: output has %d values, expected %d", len(raw), want)
	}

	candidates := decode(raw, y.layout, lb, bounds.Dx(), bounds.Dy(), ConfidenceThreshold)
	regions := nonMaxSuppression(candidates, IoUThreshold, MaxDetections)

	return Output{
		Regions:   regions,
		Annotated: annotate(img, regions, y.names),
	}, nil
}

type letterboxInfo struct {
	scale float64
	padX  float64
	padY  float64
}

var padColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox scales img so its long side equals size, then centres it on a
// grey size x size canvas.
func letterbox(img image.Image, size int) (*image.RGBA, letterboxInfo) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := math.Min(float64(size)/float64(w), float64(size)/float64(h))
	nw := max(1, int(math.Round(float64(w)*scale)))
	nh := max(1, int(math.Round(float64(h)*scale)))

	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(padColor), image.Point{}, draw.Src)
	padX := (size - nw) / 2
	padY := (size - nh) / 2
	draw.Draw(canvas, image.Rect(padX, padY, padX+nw, padY+nh), resized, resized.Bounds().Min, draw.Src)

	return canvas, letterboxInfo{scale: scale, padX: float64(padX), padY: float64(padY)}
}

// toTensor lays the canvas out as CHW RGB scaled to [0,1].
func toTensor(canvas *image.RGBA) []float32 {
	b := canvas.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for yy := 0; yy < h; yy++ {
		row := canvas.Pix[yy*canvas.Stride:]
		for xx := 0; xx < w; xx++ {
			i := yy*w + xx
			p := row[xx*4:]
			out[i] = float32(p[0]) / 255
			out[plane+i] = float32(p[1]) / 255
			out[2*plane+i] = float32(p[2]) / 255
		}
	}
	return out
}

type candidate struct {
	region Region
	order  int
}

func decode(raw []float32, layout Layout, lb letterboxInfo, imgW, imgH int, threshold float64) []candidate {
	at := func(channel, anchor int) float64 {
		if layout.Transposed {
			return float64(raw[anchor*layout.Channels+channel])
		}
		return float64(raw[channel*layout.Anchors+anchor])
	}

	var out []candidate
	for i := 0; i < layout.Anchors; i++ {
		classID, score := -1, 0.0
		for c := 0; c < layout.numClasses(); c++ {
			if s := at(4+c, i); s > score {
				classID, score = c, s
			}
		}
		if classID < 0 || score < threshold {
			continue
		}

		cx, cy, bw, bh := at(0, i), at(1, i), math.Abs(at(2, i)), math.Abs(at(3, i))
		box := [4]float64{
			clamp((cx-bw/2-lb.padX)/lb.scale, 0, float64(imgW)),
			clamp((cy-bh/2-lb.padY)/lb.scale, 0, float64(imgH)),
			clamp((cx+bw/2-lb.padX)/lb.scale, 0, float64(imgW)),
			clamp((cy+bh/2-lb.padY)/lb.scale, 0, float64(imgH)),
		}
		out = append(out, candidate{
			region: Region{Box: box, ClassID: classID, Confidence: clamp(score, 0, 1)},
			order:  i,
		})
	}
	return out
}

// nonMaxSuppression keeps the highest-confidence box of each overlapping
// same-class group. The result is ordered by confidence, descending.
func nonMaxSuppression(candidates []candidate, iouThreshold float64, limit int) []Region {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.region.Confidence != b.region.Confidence {
			return a.region.Confidence > b.region.Confidence
		}
		return a.order < b.order
	})

	suppressed := make([]bool, len(candidates))
	kept := make([]Region, 0, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i].region)
		if len(kept) == limit {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if suppressed[j] || candidates[j].region.ClassID != candidates[i].region.ClassID {
				continue
			}
			if iou(candidates[i].region.Box, candidates[j].region.Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b [4]float64) float64 {
	ix := math.Max(0, math.Min(a[2], b[2])-math.Max(a[0], b[0]))
	iy := math.Max(0, math.Min(a[3], b[3])-math.Max(a[1], b[1]))
	inter := ix * iy
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
