package tray

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

var (
	iconOrange = color.RGBA{R: 0xF2, G: 0x6B, B: 0x1D, A: 0xFF}
	iconPaper  = color.RGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
)

// generateIcon draws a receipt printer: an orange body with a paper slip
// coming out of the top.
func generateIcon(size int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, size, size))

	body := size / 3
	for x := 0; x < size; x++ {
		for y := body; y < size-1; y++ {
			img.SetRGBA(x, y, iconOrange)
		}
	}

	margin := size / 4
	for x := margin; x < size-margin; x++ {
		for y := 0; y < body+size/6; y++ {
			img.SetRGBA(x, y, iconPaper)
		}
	}

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
