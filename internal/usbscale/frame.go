// Package usbscale reads checkout scales that report weight as fixed-layout
// binary frames over a USB interrupt endpoint.
package usbscale

import (
	"encoding/binary"
	"math"
	"time"
)

// FrameSize is the minimum length of a weight frame
const FrameSize = 6

const statusStable = 0x01

// Unit of a decoded weight
type Unit string

const (
	UnitGrams     Unit = "g"
	UnitKilograms Unit = "kg"
	UnitPounds    Unit = "lb"
)

const (
	unitCodeGrams     = 0x02
	unitCodeKilograms = 0x03
	unitCodePounds    = 0x0B
)

// Reading is one decoded weight
type Reading struct {
	Weight    float64   `json:"weight"`
	Unit      Unit      `json:"unit"`
	Stable    bool      `json:"stable"`
	Timestamp time.Time `json:"timestamp"`
}

// Kilograms converts the reading to kilograms
func (r Reading) Kilograms() float64 {
	switch r.Unit {
	case UnitKilograms:
		return r.Weight
	case UnitPounds:
		return r.Weight * 0.45359237
	default:
		return r.Weight / 1000
	}
}

// Decode parses a weight frame:
//
//	byte 0     status, bit 0 set when stable
//	byte 1     unit code, 0x02 g, 0x03 kg, 0x0B lb, anything else g
//	bytes 2-5  signed little-endian raw weight
//
// Grams and pounds carry two implied decimals, kilograms three. Short frames
// and negative or NaN weights return nil. Timestamp is left zero.
func Decode(frame []byte) *Reading {
	if len(frame) < FrameSize {
		return nil
	}

	raw := float64(int32(binary.LittleEndian.Uint32(frame[2:6])))

	r := &Reading{Stable: frame[0]&statusStable != 0}
	switch frame[1] {
	case unitCodeKilograms:
		r.Unit, r.Weight = UnitKilograms, raw/1000
	case unitCodePounds:
		r.Unit, r.Weight = UnitPounds, raw/100
	default:
		r.Unit, r.Weight = UnitGrams, raw/100
	}

	if math.IsNaN(r.Weight) || r.Weight < 0 {
		return nil
	}

	return r
}
