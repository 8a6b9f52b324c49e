package devices

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKnownPairs(t *testing.T) {
	c := DefaultCatalog()

	for _, known := range c.Devices() {
		d, ok := c.Classify(DiscoveredPort{Path: "/dev/ttyUSB0", VendorID: known.VendorID, ProductID: known.ProductID})
		require.True(t, ok, "%s:%s", known.VendorID, known.ProductID)
		assert.Equal(t, known.Class, d.Class)
		assert.Equal(t, known.DisplayName, d.DisplayName)
		assert.Equal(t, MatchByID, d.MatchedBy)
	}
}

func TestClassifyIDsCompareAsHex(t *testing.T) {
	c := DefaultCatalog()

	d, ok := c.Classify(DiscoveredPort{Path: "COM3", VendorID: "0x04b8", ProductID: "e15"})
	require.True(t, ok)
	assert.Equal(t, "Epson TM-T20II", d.DisplayName)
}

func TestClassifyByManufacturer(t *testing.T) {
	c := DefaultCatalog()

	d, ok := c.Classify(DiscoveredPort{Path: "COM4", VendorID: "FFFF", ProductID: "0001", Manufacturer: "TOLEDO do Brasil"})
	require.True(t, ok)
	assert.Equal(t, ClassScale, d.Class)
	assert.Equal(t, "TOLEDO do Brasil", d.DisplayName)
	assert.Equal(t, MatchByManufacturer, d.MatchedBy)

	d, ok = c.Classify(DiscoveredPort{Path: "COM5", Manufacturer: "Elgin S.A."})
	require.True(t, ok)
	assert.Equal(t, ClassPrinter, d.Class)
}

func TestClassifyExcludesUnknownPorts(t *testing.T) {
	c := DefaultCatalog()

	for _, p := range []DiscoveredPort{
		{Path: "/dev/ttyS0"},
		{Path: "/dev/ttyUSB1", VendorID: "1A86", ProductID: "7523", Manufacturer: "QinHeng Electronics"},
		{Path: "/dev/ttyACM0", VendorID: "04B8"},
		{Path: "COM1", Manufacturer: "   "},
	} {
		_, ok := c.Classify(p)
		assert.False(t, ok, p.Path)
	}
}

func TestLoadCatalogOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  - vendorId: "1A86"
    productId: "7523"
    displayName: "Balanca generica CH340"
    protocolTag: "toledo-p03"
    class: balanca
  - vendorId: "04B8"
    productId: "0202"
    displayName: "Epson TM-T20 (loja)"
    class: impressora
keywords:
  - keyword: prix
    class: scale
`), 0o600))

	c, err := LoadCatalogOverlay(DefaultCatalog(), path)
	require.NoError(t, err)

	d, ok := c.Classify(DiscoveredPort{Path: "/dev/ttyUSB1", VendorID: "1a86", ProductID: "7523"})
	require.True(t, ok)
	assert.Equal(t, ClassScale, d.Class)

	d, ok = c.Classify(DiscoveredPort{Path: "/dev/ttyUSB0", VendorID: "04B8", ProductID: "0202"})
	require.True(t, ok)
	assert.Equal(t, "Epson TM-T20 (loja)", d.DisplayName)
	assert.Equal(t, ClassPrinter, d.Class)

	d, ok = c.Classify(DiscoveredPort{Path: "COM7", Manufacturer: "Prix 4"})
	require.True(t, ok)
	assert.Equal(t, ClassScale, d.Class)

	assert.Len(t, c.Devices(), len(DefaultCatalog().Devices())+1)
}

func TestLoadCatalogOverlayMissingFile(t *testing.T) {
	base := DefaultCatalog()
	c, err := LoadCatalogOverlay(base, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Same(t, base, c)
}

func TestLoadCatalogOverlayRejectsUnknownClass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - vendorId: \"1\"\n    productId: \"2\"\n    class: toaster\n"), 0o600))

	_, err := LoadCatalogOverlay(DefaultCatalog(), path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Path)
}
