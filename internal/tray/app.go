// Package tray shows the bridge in the system tray.
package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/getlantern/systray"

	"github.com/boracume/device-bridge/internal/autostart"
	"github.com/boracume/device-bridge/internal/devices"
	"github.com/boracume/device-bridge/internal/logging"
	"github.com/boracume/device-bridge/internal/version"
)

// Bridge is what the tray menu reads and toggles
type Bridge interface {
	Scan() []devices.DetectedDevice
	Devices() []devices.ConnectedDevice
	AutoConnect() bool
	SetAutoConnect(enabled bool)
	StartAutoScan()
	StopAutoScan()
	IsScanning() bool
	Subscribe(buffer int) (<-chan devices.Event, func())
}

// Link is the cloud connection the tray can start and stop
type Link interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

type App struct {
	bridge Bridge
	link   Link
	logDir string
	logger logging.Logger
	onQuit func()
}

func New(b Bridge, link Link, logDir string, logger logging.Logger, onQuit func()) *App {
	if logger == nil {
		logger = &logging.NullLogger{}
	}
	return &App{
		bridge: b,
		link:   link,
		logDir: logDir,
		logger: logger,
		onQuit: onQuit,
	}
}

// Run blocks on the tray's UI loop
func (a *App) Run() {
	systray.Run(a.onReady, a.onExit)
}

func (a *App) onReady() {
	systray.SetIcon(generateIcon(16))
	systray.SetTitle("BoraCumê Bridge")
	systray.SetTooltip("BoraCumê Bridge - printers and scales")

	status := systray.AddMenuItem(statusTitle(a.bridge.Devices()), "Connected devices")
	status.Disable()

	scan := systray.AddMenuItem("Scan devices", "Look for printers and scales now")
	autoScan := systray.AddMenuItemCheckbox("Auto-scan", "Scan periodically", a.bridge.IsScanning())
	autoConnect := systray.AddMenuItemCheckbox("Auto-connect", "Reconnect remembered devices", a.bridge.AutoConnect())

	systray.AddSeparator()

	cloud := systray.AddMenuItemCheckbox("Cloud link", "Accept commands from BoraCumê", a.link.IsRunning())

	autostartItem := systray.AddMenuItemCheckbox("Start at login", "Start the bridge when you log in", false)
	if entry, err := autostart.Current(); err == nil {
		if enabled, err := autostart.IsEnabled(entry); err == nil && enabled {
			autostartItem.Check()
		}
	}

	logs := systray.AddMenuItem("Open logs", "Open the log folder")
	versionItem := systray.AddMenuItem("Version: "+version.Version, "Bridge version")
	versionItem.Disable()

	systray.AddSeparator()
	quit := systray.AddMenuItem("Quit", "Quit BoraCumê Bridge")

	events, unsubscribe := a.bridge.Subscribe(16)

	go func() {
		defer unsubscribe()

		for {
			select {
			case _, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				status.SetTitle(statusTitle(a.bridge.Devices()))

			case <-scan.ClickedCh:
				found := a.bridge.Scan()
				a.logger.Infof("tray scan found %d device(s)", len(found))

			case <-autoScan.ClickedCh:
				if autoScan.Checked() {
					a.bridge.StopAutoScan()
					autoScan.Uncheck()
					continue
				}
				a.bridge.StartAutoScan()
				autoScan.Check()

			case <-autoConnect.ClickedCh:
				enabled := !autoConnect.Checked()
				a.bridge.SetAutoConnect(enabled)
				setChecked(autoConnect, enabled)

			case <-cloud.ClickedCh:
				if a.link.IsRunning() {
					a.link.Stop()
					cloud.Uncheck()
					continue
				}
				if err := a.link.Start(context.Background()); err != nil {
					a.logger.Warnf("failed to start cloud link: %s", err)
					continue
				}
				cloud.Check()

			case <-autostartItem.ClickedCh:
				a.toggleAutostart(autostartItem)

			case <-logs.ClickedCh:
				if err := openFolder(a.logDir); err != nil {
					a.logger.Warnf("failed to open %s: %s", a.logDir, err)
				}

			case <-quit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (a *App) toggleAutostart(item *systray.MenuItem) {
	entry, err := autostart.Current()
	if err != nil {
		a.logger.Warnf("failed to resolve executable: %s", err)
		return
	}

	if item.Checked() {
		if err = autostart.Disable(entry); err != nil {
			a.logger.Warnf("failed to disable autostart: %s", err)
			return
		}
		item.Uncheck()
		return
	}

	if err = autostart.Enable(entry); err != nil {
		a.logger.Warnf("failed to enable autostart: %s", err)
		return
	}
	item.Check()
}

func (a *App) onExit() {
	a.link.Stop()
	if a.onQuit != nil {
		a.onQuit()
	}
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
		return
	}
	item.Uncheck()
}

func statusTitle(connected []devices.ConnectedDevice) string {
	var printers, scales int
	for _, d := range connected {
		switch d.Class {
		case devices.ClassPrinter:
			printers++
		case devices.ClassScale:
			scales++
		}
	}

	if printers+scales == 0 {
		return "No devices connected"
	}
	return fmt.Sprintf("Printers: %d, scales: %d", printers, scales)
}

func openFolder(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("explorer", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	return cmd.Start()
}
