// Package api serves the bridge to the point-of-sale web app over a local
// REST API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/boracume/device-bridge/internal/bridge"
	"github.com/boracume/device-bridge/internal/config"
	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/metrics"
	"github.com/boracume/device-bridge/internal/usbscale"
	"github.com/boracume/device-bridge/internal/version"
)

// Bridge is what the API needs from the bridge service
type Bridge interface {
	Scan() []devices.DetectedDevice
	Devices() []devices.ConnectedDevice
	SavedDevices() []config.SavedDevice
	Connect(ctx context.Context, req bridge.ConnectRequest) devices.ConnectResult
	Disconnect(id string, forget bool) devices.DisconnectResult
	Print(ctx context.Context, req bridge.PrintRequest) error
	ReadWeight(ctx context.Context, id string, timeout time.Duration) (bridge.Weight, error)
	AutoConnect() bool
	SetAutoConnect(enabled bool)
	Metrics() metrics.Snapshot
}

// API denotes the local REST API
type API struct {
	bridge Bridge
	router *fiber.App
	logger logging.Logger
}

type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type disconnectRequest struct {
	ID     string `json:"id"`
	Forget bool   `json:"forget"`
}

type autoConnectRequest struct {
	Enabled bool `json:"enabled"`
}

// New instantiates the API and registers its routes
func New(b Bridge, logger logging.Logger) *API {
	if logger == nil {
		logger = &logging.NullLogger{}
	}

	api := &API{
		bridge: b,
		router: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ErrorHandler:          errorHandler,
		}),
		logger: logger,
	}

	api.router.Get("/health", api.handleHealth())
	api.router.Get("/metrics", api.handleMetrics())

	api.router.Get("/devices", api.handleDevices())
	api.router.Get("/devices/saved", api.handleSavedDevices())
	api.router.Post("/devices/scan", api.handleScan())
	api.router.Post("/devices/connect", api.handleConnect())
	api.router.Post("/devices/disconnect", api.handleDisconnect())

	api.router.Post("/print", api.handlePrint())
	api.router.Get("/weight", api.handleWeight())

	api.router.Get("/settings/auto-connect", api.handleGetAutoConnect())
	api.router.Put("/settings/auto-connect", api.handleSetAutoConnect())

	return api
}

// Listen serves on endpoint in a goroutine. The returned channel receives the
// listener's terminal error.
func (api *API) Listen(endpoint string) <-chan error {
	errs := make(chan error, 1)
	go func() {
		api.logger.Infof("local API listening on %s", endpoint)
		errs <- api.router.Listen(endpoint)
	}()
	return errs
}

// Shutdown stops the listener
func (api *API) Shutdown() error {
	return api.router.Shutdown()
}

// Test runs a request against the router without a listener
func (api *API) Test(req *http.Request) (*http.Response, error) {
	return api.router.Test(req, -1)
}

func (api *API) handleHealth() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"ok":          true,
			"version":     version.Version,
			"devices":     len(api.bridge.Devices()),
			"autoConnect": api.bridge.AutoConnect(),
		})
	}
}

func (api *API) handleMetrics() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.bridge.Metrics())
	}
}

func (api *API) handleDevices() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.bridge.Devices())
	}
}

func (api *API) handleSavedDevices() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.bridge.SavedDevices())
	}
}

func (api *API) handleScan() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(api.bridge.Scan())
	}
}

func (api *API) handleConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req bridge.ConnectRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid connect request")
		}

		res := api.bridge.Connect(c.UserContext(), req)
		if !res.OK {
			api.logger.Warnf("connect `%s` from API failed: %s", req.ID, res.Message)
		}
		return c.Status(statusFor(res.OK, res.Err)).JSON(res)
	}
}

func (api *API) handleDisconnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req disconnectRequest
		if err := c.BodyParser(&req); err != nil || req.ID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "invalid disconnect request")
		}

		return c.JSON(api.bridge.Disconnect(req.ID, req.Forget))
	}
}

func (api *API) handlePrint() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req bridge.PrintRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid print request")
		}

		if err := api.bridge.Print(c.UserContext(), req); err != nil {
			api.logger.Warnf("print from API failed: %s", err)
			return c.Status(statusFor(false, err)).JSON(errorResponse{Error: err.Error()})
		}
		return c.JSON(okResponse{OK: true})
	}
}

func (api *API) handleWeight() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		id := c.Query("deviceId")
		if id == "" {
			return fiber.NewError(fiber.StatusBadRequest, "deviceId is required")
		}
		timeout := time.Duration(c.QueryInt("timeoutMs", 0)) * time.Millisecond

		w, err := api.bridge.ReadWeight(c.UserContext(), id, timeout)
		if err != nil {
			return c.Status(statusFor(false, err)).JSON(errorResponse{Error: err.Error()})
		}
		return c.JSON(w)
	}
}

func (api *API) handleGetAutoConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		return c.JSON(autoConnectRequest{Enabled: api.bridge.AutoConnect()})
	}
}

func (api *API) handleSetAutoConnect() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req autoConnectRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid auto-connect request")
		}
		api.bridge.SetAutoConnect(req.Enabled)
		return c.JSON(req)
	}
}

func statusFor(ok bool, err error) int {
	if ok {
		return fiber.StatusOK
	}

	var (
		configErr *devices.ConfigError
		scaleErr  *usbscale.ConfigError
	)
	switch {
	case errors.Is(err, bridge.ErrInvalidRequest), errors.As(err, &configErr), errors.As(err, &scaleErr):
		return fiber.StatusBadRequest
	case devices.IsNotConnected(err):
		return fiber.StatusNotFound
	case devices.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusBadGateway
	}
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}
