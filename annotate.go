package maskon

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// Overlay colors.
var (
	MaskOnColor = color.NRGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff}
	NoMaskColor = color.NRGBA{R: 0xff, G: 0x00, B: 0x00, A: 0xff}
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Annotator draws the face box and its label over an image.
type Annotator struct {
	LineWidth  float64
	FontSize   float64
	TextOffset int
}

// DefaultAnnotator draws a 2px box with the label 10px above it.
var DefaultAnnotator = Annotator{
	LineWidth:  2,
	FontSize:   20,
	TextOffset: 10,
}

// LabelColor returns the overlay color associated with a label.
func LabelColor(label Label) color.Color {
	if label == MaskOn {
		return MaskOnColor
	}
	return NoMaskColor
}

// Annotate draws the face rectangle and renders the label above it, directly into dst.
func (a Annotator) Annotate(dst *image.RGBA, face image.Rectangle, label Label) {
	dc := gg.NewContextForRGBA(dst)
	c := LabelColor(label)

	// gg draws in a context whose origin is the top left corner of the image.
	r := face.Sub(dst.Bounds().Min)
	drawRectangleEmpty(dc, r, c, a.LineWidth)
	drawString(dc, string(label), image.Pt(r.Min.X, r.Min.Y-a.TextOffset), c, a.FontSize)
}

// drawString writes the text with its baseline starting at p.
func drawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(labelFont, &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawString(text, float64(p.X), float64(p.Y))
}

// drawRectangleEmpty strokes the outline of r.
func drawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
	dc.Stroke()
}
