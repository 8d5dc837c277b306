package assets

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"golang.org/x/image/webp"
)

// Frame is one decoded animation frame. Static images decode to a single
// frame with zero delay.
type Frame struct {
	Image image.Image
	Delay time.Duration
}

func decode(ext string, raw []byte) ([]Frame, error) {
	switch ext {
	case "gif":
		return decodeGIF(raw)
	case "webp":
		img, err := webp.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode webp: %w", err)
		}
		return []Frame{{Image: img}}, nil
	default:
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ext, err)
		}
		return []Frame{{Image: img}}, nil
	}
}

// decodeGIF composites each GIF frame onto a persistent canvas so frames that
// only carry a delta region still render whole.
func decodeGIF(raw []byte) ([]Frame, error) {
	g, err := gif.DecodeAll(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode gif: %w", err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("decode gif: no frames")
	}

	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))

	frames := make([]Frame, 0, len(g.Image))
	for i, src := range g.Image {
		var prev *image.RGBA
		if i < len(g.Disposal) && g.Disposal[i] == gif.DisposalPrevious {
			prev = image.NewRGBA(canvas.Bounds())
			copy(prev.Pix, canvas.Pix)
		}

		draw.Draw(canvas, src.Bounds(), src, src.Bounds().Min, draw.Over)

		snap := image.NewRGBA(canvas.Bounds())
		copy(snap.Pix, canvas.Pix)
		frames = append(frames, Frame{Image: snap, Delay: gifDelay(g.Delay, i)})

		if i < len(g.Disposal) {
			switch g.Disposal[i] {
			case gif.DisposalBackground:
				draw.Draw(canvas, src.Bounds(), image.Transparent, image.Point{}, draw.Src)
			case gif.DisposalPrevious:
				canvas = prev
			}
		}
	}
	return frames, nil
}

// gifDelay converts the GIF delay (centiseconds) to a duration. Delays of 0
// or 1 are the encoder convention for "as fast as possible"; render those at
// 100ms like browsers do so single-digit delays don't spin the animation.
func gifDelay(delays []int, i int) time.Duration {
	d := 0
	if i < len(delays) {
		d = delays[i]
	}
	if d <= 1 {
		return 100 * time.Millisecond
	}
	return time.Duration(d) * 10 * time.Millisecond
}

// sniffFormat identifies the image container from magic bytes.
func sniffFormat(raw []byte) string {
	switch {
	case len(raw) >= 8 && bytes.Equal(raw[:8], []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case len(raw) >= 4 && bytes.Equal(raw[:4], []byte("GIF8")):
		return "gif"
	case len(raw) >= 12 && bytes.Equal(raw[:4], []byte("RIFF")) && bytes.Equal(raw[8:12], []byte("WEBP")):
		return "webp"
	case len(raw) >= 2 && raw[0] == 0xff && raw[1] == 0xd8:
		return "jpg"
	}
	return ""
}

func extFromContentType(ct string) string {
	switch ct {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/jpeg":
		return "jpg"
	}
	return ""
}
