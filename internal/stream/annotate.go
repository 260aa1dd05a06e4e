package stream

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/rollcall/internal/types"
)

var (
	knownColor   = color.RGBA{0, 200, 0, 255}
	unknownColor = color.RGBA{220, 0, 0, 255}
	textColor    = color.RGBA{255, 255, 255, 255}
)

const borderWidth = 2

// Annotate returns a copy of the frame image with a box and label for every event.
// The frame itself is left untouched.
func Annotate(frame types.Frame, events []types.RecognitionEvent) *image.RGBA {
	img := types.CloneImage(frame.Image)
	for _, ev := range events {
		c := unknownColor
		if ev.Known() {
			c = knownColor
		}
		rect := ev.Face.Box.Rect()
		drawBorder(img, rect, c, borderWidth)
		drawLabel(img, rect, label(ev), c)
	}
	return img
}

func label(ev types.RecognitionEvent) string {
	if !ev.Known() {
		return types.Unknown
	}
	return fmt.Sprintf("%s %.0f%%", ev.Name, ev.Confidence*100)
}

// fillRect paints rect directly into the pixel buffer.
func fillRect(img *image.RGBA, rect image.Rectangle, c color.RGBA) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = c.R
			pix[off+1] = c.G
			pix[off+2] = c.B
			pix[off+3] = c.A
		}
	}
}

func drawBorder(img *image.RGBA, r image.Rectangle, c color.RGBA, width int) {
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width), c) // Top
	fillRect(img, image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y), c) // Bottom
	fillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y), c) // Left
	fillRect(img, image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y), c) // Right
}

// drawLabel writes text on a filled strip above the box, or inside it when the box touches the top edge.
func drawLabel(img *image.RGBA, box image.Rectangle, text string, bg color.RGBA) {
	face := basicfont.Face7x13
	height := face.Height + 2
	width := font.MeasureString(face, text).Ceil() + 4

	top := box.Min.Y - height
	if top < img.Bounds().Min.Y {
		top = box.Min.Y
	}
	strip := image.Rect(box.Min.X, top, box.Min.X+width, top+height)
	fillRect(img, strip, bg)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: face,
		Dot:  fixed.P(strip.Min.X+2, strip.Min.Y+face.Ascent+1),
	}
	d.DrawString(text)
}
