package usbscale

import (
	"errors"
	"fmt"
)

// EndpointConfig locates the interrupt IN endpoint a scale reports on
type EndpointConfig struct {
	Config     int
	Interface  int
	AltSetting int
	Endpoint   int
	PacketSize int
}

// Brand is a known USB scale model
type Brand struct {
	VendorID  uint16
	ProductID uint16
	Name      string
	Endpoint  EndpointConfig
}

var hidEndpoint = EndpointConfig{Config: 1, Interface: 0, AltSetting: 0, Endpoint: 1, PacketSize: 8}

// Brands is the table of supported scales
var Brands = []Brand{
	{VendorID: 0x0EB8, ProductID: 0xF000, Name: "Toledo Prix 4 Uno", Endpoint: hidEndpoint},
	{VendorID: 0x0EB8, ProductID: 0xF001, Name: "Toledo Prix 3 Fit", Endpoint: hidEndpoint},
	{VendorID: 0x1FC9, ProductID: 0x0083, Name: "Filizola Platina", Endpoint: EndpointConfig{Config: 1, Interface: 0, AltSetting: 0, Endpoint: 2, PacketSize: 16}},
	{VendorID: 0x10C4, ProductID: 0x8A5E, Name: "Urano POP-S", Endpoint: hidEndpoint},
	{VendorID: 0x04D9, ProductID: 0x8010, Name: "Magna/Michetti MC", Endpoint: hidEndpoint},
}

// ErrUnknownScale is wrapped by the ConfigError of an unmatched device
var ErrUnknownScale = errors.New("unknown USB scale")

// ConfigError reports a device that cannot be driven with the brand table
type ConfigError struct {
	VendorID  uint16
	ProductID uint16
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("scale %04X:%04X: %v", e.VendorID, e.ProductID, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// LookupBrand finds the endpoint layout of a scale
func LookupBrand(vendorID, productID uint16) (Brand, error) {
	for _, b := range Brands {
		if b.VendorID == vendorID && b.ProductID == productID {
			return b, nil
		}
	}
	return Brand{}, &ConfigError{VendorID: vendorID, ProductID: productID, Err: ErrUnknownScale}
}
