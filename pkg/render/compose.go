package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // replacement images may be PNG

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/isoai/isoai-client/pkg/protocol"
)

// ErrNoImage is returned when there is neither a base frame nor a replacement image.
var ErrNoImage = errors.New("render: no image to compose")

const strokeWidth = 2

var labelText = color.RGBA{R: 255, G: 255, B: 255, A: 255}

// Compose draws the view's boxes and labels over a copy of base. Boxes are
// scaled from the view's frame size to base and clipped to the image.
func Compose(base image.Image, v View) *image.RGBA {
	bounds := base.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, base, bounds.Min, draw.Src)

	sx, sy := 1.0, 1.0
	if v.FrameWidth > 0 && v.FrameHeight > 0 {
		sx = float64(bounds.Dx()) / float64(v.FrameWidth)
		sy = float64(bounds.Dy()) / float64(v.FrameHeight)
	}

	for _, b := range v.Boxes {
		r := image.Rect(int(b.Rect.X1*sx), int(b.Rect.Y1*sy), int(b.Rect.X2*sx), int(b.Rect.Y2*sy)).
			Add(bounds.Min).
			Intersect(bounds)
		if r.Empty() {
			continue
		}
		strokeRect(dst, r, b.Color)
		drawLabel(dst, r, b.Label, b.Color)
	}
	return dst
}

// Background picks the image a view is drawn on: the replacement image when
// the server sent one, otherwise base.
func Background(base image.Image, v View) (image.Image, error) {
	if v.Image != "" {
		_, data, err := protocol.DecodeDataURI(v.Image)
		if err != nil {
			return nil, fmt.Errorf("render: replacement image: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("render: decode replacement image: %w", err)
		}
		return img, nil
	}
	if base == nil {
		return nil, ErrNoImage
	}
	return base, nil
}

// ComposeJPEG renders the view over its background and encodes it as JPEG.
func ComposeJPEG(base image.Image, v View, quality int) ([]byte, error) {
	bg, err := Background(base, v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Compose(bg, v), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("render: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	src := image.NewUniform(c)
	w := min(strokeWidth, r.Dx(), r.Dy())

	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w), // top
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y), // left
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		draw.Draw(dst, e, src, image.Point{}, draw.Src)
	}
}

// drawLabel writes text on a filled tag above the box, or inside it when
// there is no room above.
func drawLabel(dst *image.RGBA, box image.Rectangle, text string, bg color.RGBA) {
	if text == "" {
		return
	}

	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 4
	height := face.Height + 2

	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	tag := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelText),
		Face: face,
		Dot:  fixed.P(box.Min.X+2, top+face.Ascent+1),
	}
	d.DrawString(text)
}
