package processor

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const DefaultJPEGQuality = 90

var ErrNoImage = errors.New("no image loaded")

// ImageModifier defines an image modifier
type ImageModifier interface {
	Modify(img image.Image) image.Image
}

// ImageResizer shrinks images whose longest side exceeds MaxDimension.
// Smaller images are returned untouched.
type ImageResizer struct {
	MaxDimension int
}

func (r *ImageResizer) Modify(img image.Image) image.Image {
	w := float64(img.Bounds().Dx())
	h := float64(img.Bounds().Dy())

	if w == 0 || h == 0 || r.MaxDimension <= 0 {
		return img
	}

	ratio := w / float64(r.MaxDimension)
	if hRatio := h / float64(r.MaxDimension); hRatio > ratio {
		ratio = hRatio
	}

	if ratio <= 1 {
		return img
	}

	return imaging.Resize(img, int(w/ratio), int(h/ratio), imaging.Lanczos)
}

// Flattener composites the image over an opaque background, the way a canvas
// drops alpha when exporting JPEG.
type Flattener struct {
	Background color.Color
}

func (f *Flattener) Modify(img image.Image) image.Image {
	bg := f.Background
	if bg == nil {
		bg = color.White
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}

// LoadImage reads image from reader and applies requested modifiers to that image
func LoadImage(r io.Reader, modifiers ...ImageModifier) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	for _, modifier := range modifiers {
		img = modifier.Modify(img)
	}

	return img, nil
}

// ImageProcessor holds one decoded image between the decode and encode stages.
type ImageProcessor struct {
	img image.Image
}

func New(img image.Image) *ImageProcessor {
	return &ImageProcessor{img: img}
}

func (i *ImageProcessor) LoadWEBP(r io.Reader) error {
	img, err := webp.Decode(r)
	i.img = img
	return err
}

// Load decodes any registered format (webp, png, jpeg, gif).
func (i *ImageProcessor) Load(r io.Reader) error {
	img, _, err := image.Decode(r)
	i.img = img
	return err
}

func (i *ImageProcessor) Image() image.Image {
	return i.img
}

func (i *ImageProcessor) Apply(modifiers ...ImageModifier) {
	if i.img == nil {
		return
	}
	for _, m := range modifiers {
		i.img = m.Modify(i.img)
	}
}

func (i *ImageProcessor) GetPNG() ([]byte, error) {
	if i.img == nil {
		return nil, ErrNoImage
	}
	buf := new(bytes.Buffer)
	err := png.Encode(buf, i.img)
	return buf.Bytes(), err
}

// GetJPEG flattens transparency onto white before encoding.
func (i *ImageProcessor) GetJPEG(quality int) ([]byte, error) {
	if i.img == nil {
		return nil, ErrNoImage
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	flat := (&Flattener{}).Modify(i.img)

	buf := new(bytes.Buffer)
	err := jpeg.Encode(buf, flat, &jpeg.Options{Quality: quality})
	return buf.Bytes(), err
}

func (i *ImageProcessor) GetBounds() (int, int) {
	if i.img == nil {
		return 0, 0
	}
	return i.img.Bounds().Size().X, i.img.Bounds().Size().Y
}
