package devices

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// WeightRequest is the ENQ byte most serial counter scales answer with a
// weight line.
var WeightRequest = []byte{0x05}

var weightPattern = regexp.MustCompile(`([-+])?\s*([0-9]+(?:[\.,][0-9]+)?)\s?kg`)

// ErrNegativeWeight is returned for under-tare lines; they carry no usable
// reading.
var ErrNegativeWeight = errors.New("negative weight")

// ParseWeightLine extracts a kilogram value from a scale's text line. Lines
// without a unit are read as bare kilograms.
func ParseWeightLine(raw string) (float64, error) {
	clean := strings.TrimSpace(strings.Trim(raw, "\x02\x03"))
	if clean == "" {
		return 0, errors.New("empty weight line")
	}

	if match := weightPattern.FindStringSubmatch(strings.ToLower(clean)); len(match) == 3 {
		value, err := strconv.ParseFloat(strings.ReplaceAll(match[2], ",", "."), 64)
		if err != nil {
			return 0, fmt.Errorf("unreadable weight line %q", clean)
		}
		if match[1] == "-" {
			value = -value
		}
		return checkWeight(value, clean)
	}

	normalized := strings.ReplaceAll(clean, ",", ".")
	normalized = strings.TrimSuffix(strings.ToLower(normalized), "kg")
	normalized = strings.TrimSpace(normalized)

	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("unreadable weight line %q", clean)
	}
	return checkWeight(value, clean)
}

func checkWeight(value float64, line string) (float64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("unreadable weight line %q", line)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w in line %q", ErrNegativeWeight, line)
	}
	return value, nil
}

// ReadSerialWeight asks a connected serial scale for its weight and parses
// the first complete line. The raw line is returned even if parsing fails.
func (r *Registry) ReadSerialWeight(ctx context.Context, id string, request []byte, timeout time.Duration) (float64, string, error) {
	if timeout <= 0 {
		timeout = r.receiveTimeout
	}

	d := r.lookup(id)
	if d == nil {
		return 0, "", &NotConnectedError{DeviceID: id}
	}

	// only lines arriving after the request count; streaming scales keep
	// older readings queued
	mark := d.seq.Load()
	if len(request) > 0 {
		if err := r.Send(id, request); err != nil {
			return 0, "", err
		}
	}

	deadline := time.Now().Add(timeout)
	var line bytes.Buffer

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if line.Len() > 0 {
				break
			}
			return 0, "", &TimeoutError{Op: "read weight", DeviceID: id, After: timeout}
		}

		c, err := r.receiveAfter(ctx, d, mark, remaining)
		if err != nil {
			if IsTimeout(err) && line.Len() > 0 {
				break
			}
			if IsTimeout(err) {
				return 0, "", &TimeoutError{Op: "read weight", DeviceID: id, After: timeout}
			}
			return 0, "", err
		}

		mark = c.seq
		chunk := c.data
		if line.Len() == 0 {
			chunk = bytes.TrimLeft(chunk, "\r\n\x02")
		}
		line.Write(chunk)
		if i := bytes.IndexAny(line.Bytes(), "\r\n\x03"); i >= 0 {
			line.Truncate(i)
			break
		}
	}

	raw := strings.TrimSpace(line.String())
	weight, err := ParseWeightLine(raw)
	if err != nil {
		return 0, raw, err
	}

	r.metrics.WeightRead()
	return weight, raw, nil
}
