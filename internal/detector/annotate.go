package detector

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var palette = []uint32{
	0xFF3838, 0xFF9D97, 0xFF701F, 0xFFB21D, 0xCFD231, 0x48F90A, 0x92CC17, 0x3DDB86, 0x1A9334, 0x00D4BB,
	0x2C99A8, 0x00C2FF, 0x344593, 0x6473FF, 0x0018EC, 0x8438FF, 0x520085, 0xCB38FF, 0xFF95C8, 0xFF37C7,
}

func classColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	hex := palette[classID%len(palette)]
	return color.RGBA{R: uint8(hex >> 16), G: uint8(hex >> 8), B: uint8(hex), A: 0xFF}
}

// annotate draws each region's box and "<label> <conf>" tag on a copy of src.
func annotate(src image.Image, regions []Region, names map[int]string) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	thickness := max(2, int(math.Round(float64(b.Dx()+b.Dy())/2*0.003)))
	face := basicfont.Face7x13

	for _, r := range regions {
		c := classColor(r.ClassID)
		rect := image.Rect(
			int(math.Round(r.Box[0])), int(math.Round(r.Box[1])),
			int(math.Round(r.Box[2])), int(math.Round(r.Box[3])),
		).Intersect(dst.Bounds())
		if rect.Empty() {
			continue
		}
		strokeRect(dst, rect, thickness, c)

		label := fmt.Sprintf("%s %.2f", regionName(r.ClassID, names), r.Confidence)
		drawTag(dst, face, rect.Min, label, c)
	}
	return dst
}

func regionName(classID int, names map[int]string) string {
	if name, ok := names[classID]; ok && name != "" {
		return name
	}
	return strconv.Itoa(classID)
}

func strokeRect(dst *image.RGBA, r image.Rectangle, t int, c color.RGBA) {
	fill := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), fill, image.Point{}, draw.Src)
	}
}

// drawTag places a filled label above the box corner, or inside the box when
// there is no room above it.
func drawTag(dst *image.RGBA, face font.Face, corner image.Point, text string, bg color.RGBA) {
	metrics := face.Metrics()
	height := (metrics.Ascent + metrics.Descent).Ceil() + 2
	width := font.MeasureString(face, text).Ceil() + 4

	top := corner.Y - height
	if top < 0 {
		top = corner.Y
	}
	tag := image.Rect(corner.X, top, corner.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.White),
		Face: face,
		Dot:  fixed.P(corner.X+2, top+1+metrics.Ascent.Ceil()),
	}
	d.DrawString(text)
}
