package types

import (
	"image"

	"golang.org/x/image/draw"
)

// Box is a face bounding box in pixel coordinates: top-left corner plus size.
type Box struct {
	X, Y, W, H int
}

// BoxFromRect converts an image.Rectangle into a Box.
func BoxFromRect(r image.Rectangle) Box {
	r = r.Canon()
	return Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()}
}

// Rect returns the box as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Area is zero for boxes with a non-positive side.
func (b Box) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Clamp restricts the box to bounds. The result may be empty.
func (b Box) Clamp(bounds image.Rectangle) Box {
	return BoxFromRect(b.Rect().Intersect(bounds))
}

// Expand grows the box by ratio of its size on every side.
func (b Box) Expand(ratio float64) Box {
	if ratio <= 0 {
		return b
	}
	dx := int(float64(b.W) * ratio)
	dy := int(float64(b.H) * ratio)
	return Box{X: b.X - dx, Y: b.Y - dy, W: b.W + 2*dx, H: b.H + 2*dy}
}

// IoU calculates Intersection over Union between two boxes.
func (b Box) IoU(o Box) float64 {
	inter := b.Rect().Intersect(o.Rect())
	if inter.Empty() {
		return 0 // No intersection
	}
	intersection := float64(inter.Dx() * inter.Dy())
	union := float64(b.Area()+o.Area()) - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// ToRGBA returns img as *image.RGBA with its origin at (0, 0), copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// CloneImage returns a deep copy of img.
func CloneImage(img *image.RGBA) *image.RGBA {
	out := &image.RGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}
