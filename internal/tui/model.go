package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/surgeq/internal/config"
	"github.com/surge-downloader/surgeq/internal/core"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/utils"
)

type UIState int //Defines UIState as int to be used in rootModel

const (
	DashboardState UIState = iota
	InputState
	FolderState
	SettingsState
)

// Input field indexes in RootModel.inputs
const (
	urlField = iota
	filenameField
)

// DownloadModel is the view's copy of one queue item
type DownloadModel struct {
	ID         string
	URL        string
	Filename   string
	Total      int64
	Downloaded int64
	Speed      float64
	State      types.State
	LocalPath  string
	Err        string

	progress progress.Model
}

type RootModel struct {
	Service  core.DownloadService
	Settings *config.Settings

	downloads []*DownloadModel
	width     int
	height    int
	state     UIState

	inputs       []textinput.Model
	focusedInput int
	folderInput  textinput.Model

	events     <-chan interface{}
	stopEvents func()

	// Navigation
	cursor int

	maxConcurrency int
	folder         string
	SpeedHistory   []float64
	notification   string

	help help.Model
}

// Engine event channel closed, the service is shutting down
type eventsClosedMsg struct{}

// Result of a service call made off the update loop
type actionResultMsg struct {
	action string
	id     string
	err    error
}

type clipboardMsg struct {
	text string
	err  error
}

type tickMsg struct{}

func newDownloadModel(it types.DownloadItem) *DownloadModel {
	d := &DownloadModel{progress: progress.New(progress.WithDefaultGradient())}
	d.apply(it)
	return d
}

func (d *DownloadModel) apply(it types.DownloadItem) {
	d.ID = it.ID
	d.URL = it.SourceURL
	d.Filename = it.DisplayFilename
	d.Total = it.TotalBytes
	d.Downloaded = it.DownloadedBytes
	d.State = it.State
	d.LocalPath = it.LocalPath
	d.Err = it.LastError
	if it.State != types.StateDownloading {
		d.Speed = 0
	}
}

func (d *DownloadModel) percent() float64 {
	if d.Total <= 0 {
		return 0
	}
	p := float64(d.Downloaded) / float64(d.Total)
	if p > 1 {
		p = 1
	}
	return p
}

// InitialRootModel builds the host model over service. Paused items are resumed
// when settings ask for it, unless noResume is set.
func InitialRootModel(service core.DownloadService, settings *config.Settings, noResume bool) RootModel {
	if settings == nil {
		settings = config.DefaultSettings()
	}

	urlInput := textinput.New()
	urlInput.Placeholder = "https://example.com/file.zip"
	urlInput.Focus()
	urlInput.Width = InputWidth
	urlInput.Prompt = ""

	filenameInput := textinput.New()
	filenameInput.Placeholder = "(from URL)"
	filenameInput.Width = InputWidth
	filenameInput.Prompt = ""

	folderInput := textinput.New()
	folderInput.Placeholder = "(private downloads directory)"
	folderInput.Width = InputWidth
	folderInput.Prompt = ""

	events, stop := service.Subscribe()
	m := RootModel{
		Service:     service,
		Settings:    settings,
		inputs:      []textinput.Model{urlInput, filenameInput},
		folderInput: folderInput,
		state:       DashboardState,
		events:      events,
		stopEvents:  stop,
		help:        help.New(),
	}

	if settings.General.AutoResume && !noResume {
		for _, it := range service.List() {
			if it.State != types.StatePaused {
				continue
			}
			if err := service.Resume(it.ID); err != nil {
				utils.Debug("TUI: auto resume %s: %v", it.ID, err)
			}
		}
	}

	m.sync()
	return m
}

func (m RootModel) Init() tea.Cmd {
	return tea.Batch(listenForActivity(m.events), tick())
}

func listenForActivity(sub <-chan interface{}) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return eventsClosedMsg{}
		}
		return msg
	}
}

func tick() tea.Cmd {
	return tea.Tick(TickInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// sync rebuilds the view list from a service snapshot, keeping per-row UI state
func (m *RootModel) sync() {
	byID := make(map[string]*DownloadModel, len(m.downloads))
	for _, d := range m.downloads {
		byID[d.ID] = d
	}

	items := m.Service.List()
	next := make([]*DownloadModel, 0, len(items))
	for _, it := range items {
		if d, ok := byID[it.ID]; ok {
			d.apply(it)
			next = append(next, d)
			continue
		}
		next = append(next, newDownloadModel(it))
	}
	m.downloads = next

	if m.cursor >= len(m.downloads) {
		m.cursor = len(m.downloads) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	m.maxConcurrency = m.Service.Config().MaxConcurrency
	m.folder = m.Service.Folder()
}

// GetSelectedDownload returns the row under the cursor, or nil for an empty list
func (m RootModel) GetSelectedDownload() *DownloadModel {
	if m.cursor < 0 || m.cursor >= len(m.downloads) {
		return nil
	}
	return m.downloads[m.cursor]
}

func (m RootModel) find(id string) *DownloadModel {
	for _, d := range m.downloads {
		if d.ID == id {
			return d
		}
	}
	return nil
}
