package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/boracume/device-bridge/internal/agent"
	"github.com/boracume/device-bridge/internal/api"
	"github.com/boracume/device-bridge/internal/bridge"
	"github.com/boracume/device-bridge/internal/config"
	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/publish"
	"github.com/boracume/device-bridge/internal/tray"
	"github.com/boracume/device-bridge/internal/usbscale"
	"github.com/boracume/device-bridge/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "configure":
			runConfigure()
			return
		case "headless":
			runHeadless()
			return
		case "scan":
			runScan()
			return
		case "version":
			fmt.Printf("BoraCumeBridge %s\n", version.Version)
			return
		}
	}

	runTray()
}

type stderrWarner struct{}

func (stderrWarner) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func runConfigure() {
	path := config.Path()
	cfg := config.LoadOrCreateDefault(path, stderrWarner{})

	fs := flag.NewFlagSet("configure", flag.ExitOnError)
	serverURL := fs.String("server", cfg.ServerURL, "BoraCumê API base URL")
	wsURL := fs.String("ws", cfg.WebSocketURL, "Bridge WebSocket URL")
	agentID := fs.String("agent-id", cfg.AgentID, "Bridge account id")
	token := fs.String("token", cfg.AgentToken, "Bridge API token")
	tenantID := fs.String("tenant-id", cfg.TenantID, "Optional tenant id")
	deviceName := fs.String("name", cfg.DeviceName, "Name shown in BoraCumê")
	listen := fs.String("listen", cfg.API.Listen, "Local REST API address")
	broker := fs.String("mqtt", cfg.MQTT.Broker, "MQTT broker URL, empty disables event mirroring")
	autoConnect := fs.Bool("auto-connect", cfg.AutoConnect, "Reconnect remembered devices on start")
	debug := fs.Bool("debug", cfg.Debug, "Verbose logging")

	_ = fs.Parse(os.Args[2:])

	cfg.ServerURL = *serverURL
	cfg.WebSocketURL = *wsURL
	cfg.AgentID = *agentID
	cfg.AgentToken = *token
	cfg.TenantID = *tenantID
	cfg.DeviceName = *deviceName
	cfg.API.Listen = *listen
	cfg.MQTT.Broker = *broker
	cfg.AutoConnect = *autoConnect
	cfg.Debug = *debug

	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to save configuration: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("configuration saved to %s\n", path)
}

// runScan prints what a discovery pass and the USB bus report, then exits
func runScan() {
	logger, closeFn := logging.MustNew(false, "")
	defer closeFn()

	catalog := loadCatalog(logger)
	registry := devices.NewRegistry(devices.WithCatalog(catalog), devices.WithLogger(logger))
	defer registry.Close()

	for _, d := range registry.Scan() {
		fmt.Printf("%-8s %-24s %s (%s)\n", d.Class, d.Port.Path, d.DisplayName, d.MatchedBy)
	}

	scales, err := usbscale.Detect()
	if err != nil {
		logger.Warnf("USB scan failed: %s", err)
		return
	}
	for _, s := range scales {
		fmt.Printf("%-8s usb:%04x:%04x %s\n", devices.ClassScale, s.Brand.VendorID, s.Brand.ProductID, s.Brand.Name)
	}
}

func runHeadless() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := start(ctx)
	defer app.stop()

	select {
	case <-ctx.Done():
	case err := <-app.apiErrors:
		if err != nil {
			app.logger.Errorf("local API stopped: %s", err)
		}
	}
}

func runTray() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := start(ctx)
	go func() {
		if err := <-app.apiErrors; err != nil {
			app.logger.Errorf("local API stopped: %s", err)
		}
	}()

	tray.New(app.service, app.agent, config.LogDir(), app.logger, app.stop).Run()
}

type application struct {
	logger    *zap.SugaredLogger
	service   *bridge.Service
	api       *api.API
	apiErrors <-chan error
	agent     *agent.Agent
	publisher *publish.Publisher
	closeLog  func()
	stopOnce  sync.Once
}

func start(ctx context.Context) *application {
	path := config.Path()
	cfg := config.LoadOrCreateDefault(path, stderrWarner{})

	logger, closeLog := logging.MustNew(cfg.Debug, filepath.Join(config.LogDir(), "bridge.log"))
	logger.Infof("BoraCumeBridge %s starting, config %s", version.Version, path)

	app := &application{logger: logger, closeLog: closeLog}

	app.service = bridge.New(cfg, path, logger, devices.WithCatalog(loadCatalog(logger)))

	app.api = api.New(app.service, logger)
	app.apiErrors = app.api.Listen(cfg.API.Listen)

	if cfg.MQTT.Broker != "" {
		client, err := publish.Connect(cfg.MQTT.Broker, cfg.MQTT.ClientID)
		if err != nil {
			logger.Warnf("MQTT mirroring disabled: %s", err)
		} else {
			app.publisher = publish.NewPublisher(client, cfg.MQTT.TopicPrefix, cfg.DeviceName, logger)
			events, _ := app.service.Subscribe(64)
			go app.publisher.Run(ctx, events)
		}
	}

	app.agent = agent.New(agent.SettingsFrom(cfg), app.service, logger)
	if err := app.agent.Start(ctx); err != nil {
		logger.Warnf("cloud link not started: %s", err)
	}

	go app.service.ReconnectSaved(ctx)
	app.service.StartAutoScan()

	return app
}

func (app *application) stop() {
	app.stopOnce.Do(app.shutdown)
}

func (app *application) shutdown() {
	app.agent.Stop()
	if err := app.api.Shutdown(); err != nil {
		app.logger.Debugf("local API shutdown: %s", err)
	}
	app.service.Close()
	if app.publisher != nil {
		app.publisher.Close()
	}
	app.logger.Infof("BoraCumeBridge stopped")
	app.closeLog()
}

func loadCatalog(logger logging.Logger) *devices.Catalog {
	catalog, err := devices.LoadCatalogOverlay(devices.DefaultCatalog(), config.CatalogPath())
	if err != nil {
		logger.Warnf("ignoring device catalog overlay: %s", err)
		return devices.DefaultCatalog()
	}
	return catalog
}
