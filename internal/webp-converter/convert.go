package webp_converter

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/processor"
)

var ErrNotImage = errors.New("payload is not an image")

// Converter turns fetched source bytes into the target format.
type Converter struct {
	Quality      int // JPEG quality, 1..100
	MaxDimension int // 0 keeps the original size
}

// Sniff returns the detected MIME type of data.
func Sniff(data []byte) string {
	return mimetype.Detect(data).String()
}

// Decode sniffs data and decodes it. WebP gets the dedicated decoder; any other
// image type the server sent under a WebP URL is decoded generically.
func (c Converter) Decode(data []byte) (image.Image, error) {
	mt := mimetype.Detect(data)

	var p processor.ImageProcessor
	switch {
	case mt.Is("image/webp"):
		if err := p.LoadWEBP(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("error decoding webp: %w", err)
		}
	case strings.HasPrefix(mt.String(), "image/"):
		if err := p.Load(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", mt.String(), err)
		}
	default:
		return nil, fmt.Errorf("%w: detected %s", ErrNotImage, mt.String())
	}

	if c.MaxDimension > 0 {
		p.Apply(&processor.ImageResizer{MaxDimension: c.MaxDimension})
	}
	return p.Image(), nil
}

func (c Converter) Encode(img image.Image, f entities.Format) ([]byte, error) {
	if img == nil {
		return nil, processor.ErrNoImage
	}
	p := processor.New(img)
	switch f.OrDefault() {
	case entities.FormatPNG:
		data, err := p.GetPNG()
		if err != nil {
			return nil, fmt.Errorf("error encoding to png: %w", err)
		}
		return data, nil
	case entities.FormatJPG:
		data, err := p.GetJPEG(c.Quality)
		if err != nil {
			return nil, fmt.Errorf("error encoding to jpeg: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported target format: %q", f)
	}
}

// FromWebP decodes r and re-encodes it as f.
func (c Converter) FromWebP(r io.Reader, f entities.Format) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("error reading image: %w", err)
	}
	img, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	return c.Encode(img, f)
}
