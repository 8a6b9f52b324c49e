package usbscale

import (
	"context"
	"fmt"

	"github.com/google/gousb"
)

// usbEndpoint is an interrupt IN endpoint claimed through libusb
type usbEndpoint struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	size int
}

func (e *usbEndpoint) ReadFrame(ctx context.Context) ([]byte, error) {
	buf := make([]byte, e.size)
	n, err := e.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (e *usbEndpoint) Close() error {
	if e.intf != nil {
		e.intf.Close()
	}
	if e.cfg != nil {
		_ = e.cfg.Close()
	}
	if e.dev != nil {
		_ = e.dev.Close()
	}
	return e.ctx.Close()
}

// Open claims the scale with the given ids. Ids missing from Brands fail
// with a ConfigError before the bus is touched.
func Open(vendorID, productID uint16, options ...func(*Scale)) (*Scale, error) {
	brand, err := LookupBrand(vendorID, productID)
	if err != nil {
		return nil, err
	}

	ep, err := openEndpoint(brand)
	if err != nil {
		return nil, err
	}

	return NewScale(brand, ep, options...), nil
}

func openEndpoint(brand Brand) (ep *usbEndpoint, err error) {
	ep = &usbEndpoint{ctx: gousb.NewContext(), size: brand.Endpoint.PacketSize}
	defer func() {
		if err != nil {
			_ = ep.Close()
			ep = nil
		}
	}()

	ep.dev, err = ep.ctx.OpenDeviceWithVIDPID(gousb.ID(brand.VendorID), gousb.ID(brand.ProductID))
	if err != nil {
		return ep, fmt.Errorf("failed to open %s: %w", brand.Name, err)
	}
	if ep.dev == nil {
		return ep, fmt.Errorf("%s (%04X:%04X) is not attached", brand.Name, brand.VendorID, brand.ProductID)
	}

	// the HID driver holds the interface on Linux
	if err = ep.dev.SetAutoDetach(true); err != nil {
		return ep, fmt.Errorf("failed to detach kernel driver: %w", err)
	}

	if ep.cfg, err = ep.dev.Config(brand.Endpoint.Config); err != nil {
		return ep, fmt.Errorf("failed to select configuration %d: %w", brand.Endpoint.Config, err)
	}
	if ep.intf, err = ep.cfg.Interface(brand.Endpoint.Interface, brand.Endpoint.AltSetting); err != nil {
		return ep, fmt.Errorf("failed to claim interface %d: %w", brand.Endpoint.Interface, err)
	}
	if ep.in, err = ep.intf.InEndpoint(brand.Endpoint.Endpoint); err != nil {
		return ep, fmt.Errorf("failed to open endpoint %d: %w", brand.Endpoint.Endpoint, err)
	}

	if ep.size <= 0 {
		ep.size = ep.in.Desc.MaxPacketSize
	}
	if ep.size < FrameSize {
		ep.size = FrameSize
	}

	return ep, nil
}

// Attached describes a supported scale present on the bus
type Attached struct {
	Brand        Brand  `json:"brand"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Detect lists the attached scales found in Brands
func Detect() ([]Attached, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, err := LookupBrand(uint16(desc.Vendor), uint16(desc.Product))
		return err == nil
	})
	defer func() {
		for _, d := range devs {
			_ = d.Close()
		}
	}()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	found := make([]Attached, 0, len(devs))
	for _, d := range devs {
		brand, lookupErr := LookupBrand(uint16(d.Desc.Vendor), uint16(d.Desc.Product))
		if lookupErr != nil {
			continue
		}
		manufacturer, _ := d.Manufacturer()
		product, _ := d.Product()
		found = append(found, Attached{Brand: brand, Manufacturer: manufacturer, Product: product})
	}

	return found, nil
}
