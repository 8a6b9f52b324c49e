package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/boracume/device-bridge/internal/bridge"
	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/escpos"
	"github.com/boracume/device-bridge/internal/version"
)

// Bridge is the part of the bridge service remote commands drive
type Bridge interface {
	Scan() []devices.DetectedDevice
	Devices() []devices.ConnectedDevice
	Connect(ctx context.Context, req bridge.ConnectRequest) devices.ConnectResult
	Disconnect(id string, forget bool) devices.DisconnectResult
	Print(ctx context.Context, req bridge.PrintRequest) error
	ReadWeight(ctx context.Context, id string, timeout time.Duration) (bridge.Weight, error)
	Subscribe(buffer int) (<-chan devices.Event, func())
}

type disconnectPayload struct {
	ID     string `json:"id"`
	Forget bool   `json:"forget"`
}

type weightPayload struct {
	DeviceID  string `json:"deviceId"`
	TimeoutMs int    `json:"timeoutMs"`
}

// labelPayload prints a text template, optionally filling {weight} and
// {weight_kg} from a scale reading.
type labelPayload struct {
	bridge.PrintRequest

	Template  string            `json:"template"`
	Context   map[string]string `json:"context"`
	WeightKg  *float64          `json:"weightKg"`
	ScaleID   string            `json:"scaleId"`
	TimeoutMs int               `json:"timeoutMs"`
}

func (a *Agent) executeCommand(ctx context.Context, command string, rawPayload json.RawMessage) (map[string]any, error) {
	switch command {
	case "ping":
		return map[string]any{"pong": true, "version": version.Version}, nil

	case "list_devices":
		return map[string]any{"devices": a.bridge.Devices()}, nil

	case "scan_devices":
		return map[string]any{"devices": a.bridge.Scan()}, nil

	case "connect_device":
		var payload bridge.ConnectRequest
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}

		res := a.bridge.Connect(ctx, payload)
		if !res.OK {
			return nil, resultError(res.Message, res.Err)
		}
		return map[string]any{"device": res.Device, "message": res.Message}, nil

	case "disconnect_device":
		var payload disconnectPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.ID) == "" {
			return nil, fmt.Errorf("%w: id is required", bridge.ErrInvalidRequest)
		}

		res := a.bridge.Disconnect(payload.ID, payload.Forget)
		if !res.OK {
			return nil, resultError(res.Message, res.Err)
		}
		return map[string]any{"message": res.Message}, nil

	case "print_job", "print_receipt":
		var payload bridge.PrintRequest
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}

		if err := a.bridge.Print(ctx, payload); err != nil {
			return nil, err
		}
		return map[string]any{"printed": true}, nil

	case "read_weight":
		var payload weightPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}

		w, err := a.bridge.ReadWeight(ctx, payload.DeviceID, time.Duration(payload.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"weight":       w.Kilograms,
			"display":      w.Display,
			"stable":       w.Stable,
			"raw_response": w.Raw,
		}, nil

	case "print_label", "weigh_and_print":
		var payload labelPayload
		if err := decodePayload(rawPayload, &payload); err != nil {
			return nil, err
		}
		if command == "weigh_and_print" && payload.WeightKg == nil && payload.ScaleID == "" {
			return nil, fmt.Errorf("%w: scaleId or weightKg is required", bridge.ErrInvalidRequest)
		}
		return a.printLabel(ctx, payload)

	default:
		return nil, fmt.Errorf("unsupported command: %s", command)
	}
}

func (a *Agent) printLabel(ctx context.Context, payload labelPayload) (map[string]any, error) {
	values := make(map[string]string, len(payload.Context)+2)
	for key, value := range payload.Context {
		values[key] = value
	}

	result := map[string]any{}

	weight := payload.WeightKg
	if weight == nil && payload.ScaleID != "" {
		w, err := a.bridge.ReadWeight(ctx, payload.ScaleID, time.Duration(payload.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		weight = &w.Kilograms
		result["raw_response"] = w.Raw
	}
	if weight != nil {
		values["weight"] = fmt.Sprintf("%.3f", *weight)
		values["weight_kg"] = escpos.FormatWeight(*weight)
		result["weight"] = *weight
	}

	req := payload.PrintRequest
	req.Items = nil
	req.Jobs = escpos.Label(escpos.RenderTemplate(payload.Template, values))

	if err := a.bridge.Print(ctx, req); err != nil {
		return nil, err
	}

	result["printed"] = true
	return result, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", bridge.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s", bridge.ErrInvalidRequest, err)
	}
	return nil
}

func resultError(message string, err error) error {
	if err == nil {
		return fmt.Errorf("%s", message)
	}
	return fmt.Errorf("%s: %w", message, err)
}
