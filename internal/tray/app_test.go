package tray

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boracume/device-bridge/internal/devices"
)

func TestStatusTitle(t *testing.T) {
	assert.Equal(t, "No devices connected", statusTitle(nil))

	got := statusTitle([]devices.ConnectedDevice{
		{ID: "COM3", Class: devices.ClassScale},
		{ID: "COM4", Class: devices.ClassPrinter},
		{ID: "COM5", Class: devices.ClassPrinter},
	})
	assert.Equal(t, "Printers: 2, scales: 1", got)
}

func TestGenerateIcon(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(generateIcon(16)))
	require.NoError(t, err)

	assert.Equal(t, 16, img.Bounds().Dx())
	assert.Equal(t, rgba(iconOrange), rgba(img.At(0, 12)))
	assert.Equal(t, rgba(iconPaper), rgba(img.At(8, 0)))
}

func rgba(c color.Color) [4]uint32 {
	r, g, b, a := c.RGBA()
	return [4]uint32{r, g, b, a}
}
