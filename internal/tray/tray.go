package tray

import (
	"context"
	"fmt"
	"sync"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/config"
	"github.com/petems/beme/internal/events"
	"github.com/petems/beme/internal/logging"
	"github.com/petems/beme/internal/screen"
)

// Controller is the part of the stream manager the tray drives.
type Controller interface {
	NotifyToggle(origin string) bool
	ToggleAudioCapture() (bool, error)
	StartAudioAI(ctx context.Context) error
	StopAudioAI() error
	HasAudioSession() bool
	ListMonitors() ([]screen.Monitor, error)
	SelectMonitor(id int) error
	ListAudioDevices() ([]audio.AudioDevice, error)
	SelectAudioDevice(name string) error
	Settings() config.Settings
	SaveSettings(s config.Settings) error
}

// Copier puts the latest suggestion on the clipboard.
type Copier interface {
	Copy(source string) (string, error)
}

type UI struct {
	ctl     Controller
	copier  Copier
	version string
	commit  string
	log     zerolog.Logger

	// setTitle is systray.SetTitle outside tests.
	setTitle func(string)

	mu        sync.Mutex
	capturing bool
	status    string

	// Menu items
	mCapture *systray.MenuItem
	mAudio   *systray.MenuItem
	mAudioAI *systray.MenuItem
	mMonitor *systray.MenuItem
	mDevices *systray.MenuItem
	mCopy    *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.setCapturing(false)
	u.updateStatus("idle")
}

func (u *UI) SetCapturing() {
	u.setCapturing(true)
	u.updateStatus("capturing")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(ctl Controller, copier Copier, version, commit string, log zerolog.Logger) *UI {
	return &UI{
		ctl:      ctl,
		copier:   copier,
		version:  version,
		commit:   commit,
		log:      log.With().Str("component", "tray").Logger(),
		setTitle: systray.SetTitle,
	}
}

// SetController sets the controller reference (for circular dependency resolution)
func (u *UI) SetController(ctl Controller) {
	u.ctl = ctl
}

// Run blocks on the platform event loop until Quit is chosen or ctx ends.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	u.updateStatus("idle")
	systray.SetTooltip("beme: next-best-action suggestions")

	u.mCapture = systray.AddMenuItem(captureLabel(false), "Start or stop screen capture")
	u.mAudio = systray.AddMenuItemCheckbox("Capture Audio", "Listen to the selected audio device", u.ctl.Settings().CaptureAudio)
	u.mAudioAI = systray.AddMenuItem(audioAILabel(false), "Connect the realtime audio session")
	systray.AddSeparator()

	u.mMonitor = systray.AddMenuItem("Monitor", "Select the monitor to observe")
	u.buildMonitorMenu()

	u.mDevices = systray.AddMenuItem("Audio Device", "Select audio device")
	u.buildDeviceMenu()

	systray.AddSeparator()
	u.mCopy = systray.AddMenuItem("Copy Last Suggestion", "Copy the latest suggestion to the clipboard")
	mLogs := systray.AddMenuItem("Show Log Path", "Print the log file location")
	mAbout := systray.AddMenuItem("About", "About beme")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	// Event loop
	go u.handleEvents(mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mCapture.ClickedCh:
			u.toggleCapture()
		case <-u.mAudio.ClickedCh:
			u.toggleAudioCapture()
		case <-u.mAudioAI.ClickedCh:
			u.toggleAudioAI()
		case <-u.mCopy.ClickedCh:
			u.copyLast()
		case <-mLogs.ClickedCh:
			fmt.Println(logging.Path())
		case <-mAbout.ClickedCh:
			fmt.Printf("beme %s (%s)\nNext-best-action suggestions from your screen and audio\n", u.version, u.commit)
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) buildMonitorMenu() {
	monitors, err := u.ctl.ListMonitors()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list monitors")
		return
	}

	selected := u.ctl.Settings().Monitor
	items := make(map[int]*systray.MenuItem)
	for _, mon := range monitors {
		item := u.mMonitor.AddSubMenuItem(monitorLabel(mon), "")
		if mon.ID == selected || (selected < 0 && mon.IsPrimary) {
			item.Check()
		}
		items[mon.ID] = item

		go func(id int, menuItem *systray.MenuItem) {
			for range menuItem.ClickedCh {
				if err := u.selectMonitor(id); err != nil {
					continue
				}
				for other, itm := range items {
					if other != id {
						itm.Uncheck()
					}
				}
				menuItem.Check()
			}
		}(mon.ID, item)
	}
}

func (u *UI) buildDeviceMenu() {
	devices, err := u.ctl.ListAudioDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	selected := u.ctl.Settings().AudioDevice
	items := make(map[string]*systray.MenuItem)
	for _, dev := range devices {
		item := u.mDevices.AddSubMenuItem(deviceLabel(dev), "")
		if dev.Name == selected || (selected == "" && dev.Default) {
			item.Check()
		}
		items[dev.Name] = item

		go func(name string, menuItem *systray.MenuItem) {
			for range menuItem.ClickedCh {
				if err := u.selectDevice(name); err != nil {
					continue
				}
				for other, itm := range items {
					if other != name {
						itm.Uncheck()
					}
				}
				menuItem.Check()
			}
		}(dev.Name, item)
	}
}

func (u *UI) toggleCapture() bool {
	on := u.ctl.NotifyToggle(events.OriginTray)
	u.setCapturing(on)
	return on
}

func (u *UI) toggleAudioCapture() {
	on, err := u.ctl.ToggleAudioCapture()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to toggle audio capture")
	}
	if u.mAudio != nil {
		if on {
			u.mAudio.Check()
		} else {
			u.mAudio.Uncheck()
		}
	}
}

func (u *UI) toggleAudioAI() {
	connected := u.ctl.HasAudioSession()
	if connected {
		if err := u.ctl.StopAudioAI(); err != nil {
			u.log.Error().Err(err).Msg("Failed to stop audio AI")
		}
	} else if err := u.ctl.StartAudioAI(context.Background()); err != nil {
		u.log.Error().Err(err).Msg("Failed to start audio AI")
	}
	if u.mAudioAI != nil {
		u.mAudioAI.SetTitle(audioAILabel(u.ctl.HasAudioSession()))
	}
}

func (u *UI) copyLast() {
	text, err := u.copier.Copy("")
	if err != nil {
		u.log.Warn().Err(err).Msg("Nothing copied")
		return
	}
	u.log.Info().Int("chars", len(text)).Msg("Copied suggestion to clipboard")
}

// selectMonitor switches monitors and persists the choice.
func (u *UI) selectMonitor(id int) error {
	if err := u.ctl.SelectMonitor(id); err != nil {
		u.log.Error().Err(err).Int("monitor", id).Msg("Failed to select monitor")
		return err
	}
	u.persist()
	u.log.Info().Int("monitor", id).Msg("Changed monitor")
	return nil
}

// selectDevice switches audio devices and persists the choice.
func (u *UI) selectDevice(name string) error {
	if err := u.ctl.SelectAudioDevice(name); err != nil {
		u.log.Error().Err(err).Str("device", name).Msg("Failed to select audio device")
		return err
	}
	u.persist()
	u.log.Info().Str("device", name).Msg("Changed audio device")
	return nil
}

func (u *UI) persist() {
	if err := u.ctl.SaveSettings(u.ctl.Settings()); err != nil {
		u.log.Warn().Err(err).Msg("Failed to save settings")
	}
}

func (u *UI) onExit() {
	u.log.Debug().Msg("Tray exited")
}

func (u *UI) setCapturing(on bool) {
	u.mu.Lock()
	u.capturing = on
	u.mu.Unlock()
	if u.mCapture != nil {
		u.mCapture.SetTitle(captureLabel(on))
	}
}

// updateStatus sets the tray title with an eye emoji and status indicator
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	u.status = status
	u.mu.Unlock()
	u.setTitle(fmt.Sprintf("👁 %s", emojiForStatus(status)))
}

func captureLabel(capturing bool) string {
	if capturing {
		return "Stop Capture"
	}
	return "Start Capture"
}

func audioAILabel(connected bool) string {
	if connected {
		return "Disconnect Audio AI"
	}
	return "Connect Audio AI"
}

func monitorLabel(m screen.Monitor) string {
	label := fmt.Sprintf("%s (%dx%d)", m.Name, m.Width, m.Height)
	if m.IsPrimary {
		label += " - primary"
	}
	return label
}

func deviceLabel(d audio.AudioDevice) string {
	if d.Default {
		return d.Name + " (default)"
	}
	return d.Name
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "capturing":
		return "🔴" // Red - observing
	case "idle":
		return "🟢" // Green - ready/idle
	case "error":
		return "⚪️" // White - error
	default:
		return "🟢" // Green - default to ready
	}
}
