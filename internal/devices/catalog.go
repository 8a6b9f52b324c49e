package devices

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BrandKeyword classifies a port by a substring of its manufacturer string
type BrandKeyword struct {
	Keyword     string `yaml:"keyword"`
	Class       Class  `yaml:"class"`
	ProtocolTag string `yaml:"protocolTag"`
}

// Catalog is the immutable hardware identity table used during discovery
type Catalog struct {
	devices  []KnownDevice
	keywords []BrandKeyword
}

var defaultKnownDevices = []KnownDevice{
	{VendorID: "04B8", ProductID: "0202", DisplayName: "Epson TM-T20", ProtocolTag: "escpos-epson", Class: ClassPrinter},
	{VendorID: "04B8", ProductID: "0E15", DisplayName: "Epson TM-T20II", ProtocolTag: "escpos-epson", Class: ClassPrinter},
	{VendorID: "04B8", ProductID: "0E28", DisplayName: "Epson TM-T20III", ProtocolTag: "escpos-epson", Class: ClassPrinter},
	{VendorID: "0B1B", ProductID: "0003", DisplayName: "Bematech MP-4200 TH", ProtocolTag: "escpos-bematech", Class: ClassPrinter},
	{VendorID: "0B1B", ProductID: "0005", DisplayName: "Bematech MP-100S TH", ProtocolTag: "escpos-bematech", Class: ClassPrinter},
	{VendorID: "1C8A", ProductID: "3012", DisplayName: "Daruma DR800", ProtocolTag: "escpos-daruma", Class: ClassPrinter},
	{VendorID: "20D1", ProductID: "7008", DisplayName: "Elgin i9", ProtocolTag: "escpos-elgin", Class: ClassPrinter},
	{VendorID: "0EB8", ProductID: "F000", DisplayName: "Toledo Prix 4 Uno", ProtocolTag: "toledo-p03", Class: ClassScale},
	{VendorID: "0EB8", ProductID: "F001", DisplayName: "Toledo Prix 3 Fit", ProtocolTag: "toledo-p03", Class: ClassScale},
	{VendorID: "1FC9", ProductID: "0083", DisplayName: "Filizola Platina", ProtocolTag: "filizola-smart", Class: ClassScale},
	{VendorID: "10C4", ProductID: "8A5E", DisplayName: "Urano POP-S", ProtocolTag: "urano-pop", Class: ClassScale},
	{VendorID: "04D9", ProductID: "8010", DisplayName: "Magna/Michetti MC", ProtocolTag: "michetti-std", Class: ClassScale},
}

var defaultBrandKeywords = []BrandKeyword{
	{Keyword: "epson", Class: ClassPrinter, ProtocolTag: "escpos-epson"},
	{Keyword: "bematech", Class: ClassPrinter, ProtocolTag: "escpos-bematech"},
	{Keyword: "daruma", Class: ClassPrinter, ProtocolTag: "escpos-daruma"},
	{Keyword: "elgin", Class: ClassPrinter, ProtocolTag: "escpos-elgin"},
	{Keyword: "toledo", Class: ClassScale, ProtocolTag: "toledo-p03"},
	{Keyword: "filizola", Class: ClassScale, ProtocolTag: "filizola-smart"},
	{Keyword: "urano", Class: ClassScale, ProtocolTag: "urano-pop"},
	{Keyword: "magna", Class: ClassScale, ProtocolTag: "michetti-std"},
	{Keyword: "michetti", Class: ClassScale, ProtocolTag: "michetti-std"},
}

// NewCatalog copies the given tables into a new catalog
func NewCatalog(devices []KnownDevice, keywords []BrandKeyword) *Catalog {
	c := &Catalog{
		devices:  make([]KnownDevice, len(devices)),
		keywords: make([]BrandKeyword, len(keywords)),
	}
	copy(c.devices, devices)
	copy(c.keywords, keywords)

	return c
}

// DefaultCatalog returns the compiled-in table of printers and scales
func DefaultCatalog() *Catalog {
	return NewCatalog(defaultKnownDevices, defaultBrandKeywords)
}

// Devices returns a copy of the known-device rows
func (c *Catalog) Devices() []KnownDevice {
	out := make([]KnownDevice, len(c.devices))
	copy(out, c.devices)
	return out
}

// Lookup finds the exact vendor/product pair; ids compare as hex numbers so
// "04b8", "0x04B8" and "4B8" are the same vendor.
func (c *Catalog) Lookup(vendorID, productID string) (KnownDevice, bool) {
	vid, pid := normalizeHexID(vendorID), normalizeHexID(productID)
	if vid == "" || pid == "" {
		return KnownDevice{}, false
	}

	for _, d := range c.devices {
		if normalizeHexID(d.VendorID) == vid && normalizeHexID(d.ProductID) == pid {
			return d, true
		}
	}

	return KnownDevice{}, false
}

// Classify applies the id rule, then the manufacturer keyword rule
func (c *Catalog) Classify(p DiscoveredPort) (DetectedDevice, bool) {
	if known, ok := c.Lookup(p.VendorID, p.ProductID); ok {
		return DetectedDevice{
			Port:        p,
			Class:       known.Class,
			DisplayName: known.DisplayName,
			ProtocolTag: known.ProtocolTag,
			MatchedBy:   MatchByID,
		}, true
	}

	manufacturer := strings.ToLower(p.Manufacturer)
	if strings.TrimSpace(manufacturer) == "" {
		return DetectedDevice{}, false
	}

	for _, kw := range c.keywords {
		if strings.Contains(manufacturer, strings.ToLower(kw.Keyword)) {
			return DetectedDevice{
				Port:        p,
				Class:       kw.Class,
				DisplayName: strings.TrimSpace(p.Manufacturer),
				ProtocolTag: kw.ProtocolTag,
				MatchedBy:   MatchByManufacturer,
			}, true
		}
	}

	return DetectedDevice{}, false
}

// With returns a new catalog where extra rows replace rows with the same
// vendor/product pair and extra keywords are tried before the existing ones.
func (c *Catalog) With(extra []KnownDevice, keywords []BrandKeyword) *Catalog {
	merged := make([]KnownDevice, 0, len(c.devices)+len(extra))
	merged = append(merged, extra...)
	for _, d := range c.devices {
		replaced := false
		for _, e := range extra {
			if normalizeHexID(e.VendorID) == normalizeHexID(d.VendorID) && normalizeHexID(e.ProductID) == normalizeHexID(d.ProductID) {
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, d)
		}
	}

	mergedKeywords := make([]BrandKeyword, 0, len(keywords)+len(c.keywords))
	mergedKeywords = append(mergedKeywords, keywords...)
	mergedKeywords = append(mergedKeywords, c.keywords...)

	return NewCatalog(merged, mergedKeywords)
}

type catalogFile struct {
	Devices  []KnownDevice  `yaml:"devices"`
	Keywords []BrandKeyword `yaml:"keywords"`
}

// LoadCatalogOverlay merges the YAML file at path over base. A missing file
// is not an error and returns base unchanged.
func LoadCatalogOverlay(base *Catalog, path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, &ConfigError{Path: path, Err: err}
	}

	var file catalogFile
	if err = yaml.Unmarshal(data, &file); err != nil {
		return base, &ConfigError{Path: path, Err: err}
	}

	for i, d := range file.Devices {
		class, ok := ParseClass(string(d.Class))
		if !ok || d.VendorID == "" || d.ProductID == "" {
			return base, &ConfigError{Path: path, Err: errInvalidValue(d)}
		}
		file.Devices[i].Class = class
	}
	for i, kw := range file.Keywords {
		class, ok := ParseClass(string(kw.Class))
		if !ok || strings.TrimSpace(kw.Keyword) == "" {
			return base, &ConfigError{Path: path, Err: errInvalidValue(kw)}
		}
		file.Keywords[i].Class = class
	}

	return base.With(file.Devices, file.Keywords), nil
}

func normalizeHexID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "0x")
	if id == "" {
		return ""
	}

	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
