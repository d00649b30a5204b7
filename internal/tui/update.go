package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/surge-downloader/surgeq/internal/engine/events"
	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/storage"
	"github.com/surge-downloader/surgeq/internal/utils"
)

// Update handles messages and updates the model
func (m RootModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case events.ProgressMsg:
		if d := m.find(msg.DownloadID); d != nil && d.State == types.StateDownloading {
			d.Downloaded = msg.Downloaded
			d.Total = msg.Total
			d.Speed = msg.Speed
			if d.Total > 0 {
				cmds = append(cmds, d.progress.SetPercent(d.percent()))
			}
		}
		cmds = append(cmds, listenForActivity(m.events))

	case events.DownloadCompleteMsg:
		m.sync()
		m.notification = fmt.Sprintf("Completed %s in %s", msg.Filename, msg.Elapsed.Round(time.Second))
		if d := m.find(msg.DownloadID); d != nil {
			cmds = append(cmds, d.progress.SetPercent(1.0))
		}
		cmds = append(cmds, listenForActivity(m.events))

	case events.DownloadErrorMsg:
		m.sync()
		m.notification = fmt.Sprintf("Failed %s: %v", msg.Filename, msg.Err)
		cmds = append(cmds, listenForActivity(m.events))

	case events.DownloadQueuedMsg, events.DownloadStartedMsg, events.DownloadPausedMsg,
		events.DownloadCancelledMsg, events.DownloadRemovedMsg,
		events.ConfigChangedMsg, events.FolderChangedMsg:
		m.sync()
		cmds = append(cmds, listenForActivity(m.events))

	case events.DownloadResumedMsg:
		m.sync()
		if msg.Restarted {
			m.notification = fmt.Sprintf("%s restarted from the beginning", msg.Filename)
		}
		cmds = append(cmds, listenForActivity(m.events))

	case eventsClosedMsg:
		return m, nil

	case actionResultMsg:
		if msg.err != nil && !errors.Is(msg.err, types.ErrSelectionCancelled) {
			m.notification = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
			utils.Debug("TUI: %s %s: %v", msg.action, msg.id, msg.err)
		}
		m.sync()
		return m, nil

	case clipboardMsg:
		if msg.err != nil {
			m.notification = fmt.Sprintf("Clipboard unavailable: %v", msg.err)
			return m, nil
		}
		if m.state == InputState {
			m.inputs[m.focusedInput].SetValue(strings.TrimSpace(msg.text))
			m.inputs[m.focusedInput].CursorEnd()
		}
		return m, nil

	case tickMsg:
		m.SpeedHistory = append(m.SpeedHistory, m.calcTotalSpeed())
		if len(m.SpeedHistory) > SpeedHistorySize {
			m.SpeedHistory = m.SpeedHistory[len(m.SpeedHistory)-SpeedHistorySize:]
		}
		return m, tick()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch m.state {
		case DashboardState:
			return m.updateDashboard(msg)
		case InputState:
			return m.updateInput(msg)
		case FolderState:
			return m.updateFolder(msg)
		case SettingsState:
			if msg.String() == "esc" || msg.String() == "q" || msg.String() == "s" {
				m.state = DashboardState
			}
			return m, nil
		}
	}

	// Propagate messages to progress bars
	for _, d := range m.downloads {
		newModel, cmd := d.progress.Update(msg)
		if p, ok := newModel.(progress.Model); ok {
			d.progress = p
		}
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m RootModel) updateDashboard(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	keys := DashboardKeys
	selected := m.GetSelectedDownload()

	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.downloads)-1 {
			m.cursor++
		}

	case key.Matches(msg, keys.Add):
		m.state = InputState
		m.focusedInput = urlField
		m.inputs[urlField].SetValue("")
		m.inputs[filenameField].SetValue("")
		m.inputs[filenameField].Blur()
		return m, m.inputs[urlField].Focus()

	case key.Matches(msg, keys.Pause):
		if selected != nil {
			return m, m.runAction("Pause", selected.ID, func() error { return m.Service.Pause(selected.ID) })
		}
	case key.Matches(msg, keys.Resume):
		if selected != nil {
			return m, m.runAction("Resume", selected.ID, func() error { return m.Service.Resume(selected.ID) })
		}
	case key.Matches(msg, keys.Cancel):
		if selected != nil {
			return m, m.runAction("Cancel", selected.ID, func() error { return m.Service.Cancel(selected.ID) })
		}
	case key.Matches(msg, keys.Remove):
		if selected != nil {
			return m, m.runAction("Remove", selected.ID, func() error { return m.Service.Remove(selected.ID) })
		}
	case key.Matches(msg, keys.Retry):
		if selected != nil {
			return m, m.runAction("Retry", selected.ID, func() error {
				_, err := m.Service.Retry(selected.ID)
				return err
			})
		}

	case key.Matches(msg, keys.More):
		if n := m.maxConcurrency + 1; n <= types.MaxUIConcurrency {
			m.maxConcurrency = n
			return m, m.runAction("Set concurrency", "", func() error { return m.Service.SetMaxConcurrency(n) })
		}
	case key.Matches(msg, keys.Less):
		if n := m.maxConcurrency - 1; n >= types.MinConcurrency {
			m.maxConcurrency = n
			return m, m.runAction("Set concurrency", "", func() error { return m.Service.SetMaxConcurrency(n) })
		}

	case key.Matches(msg, keys.Folder):
		m.state = FolderState
		m.folderInput.SetValue(m.folder)
		m.folderInput.CursorEnd()
		return m, m.folderInput.Focus()

	case key.Matches(msg, keys.Settings):
		m.state = SettingsState
	}
	return m, nil
}

func (m RootModel) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, InputKeys.Back):
		m.state = DashboardState
		return m, nil

	case key.Matches(msg, InputKeys.Paste):
		return m, pasteFromClipboard

	case key.Matches(msg, InputKeys.Next):
		return m, m.focus(1 - m.focusedInput)

	case key.Matches(msg, InputKeys.Submit):
		if m.focusedInput == urlField {
			if strings.TrimSpace(m.inputs[urlField].Value()) == "" {
				return m, nil
			}
			return m, m.focus(filenameField)
		}
		url := strings.TrimSpace(m.inputs[urlField].Value())
		if url == "" {
			return m, m.focus(urlField)
		}
		name := strings.TrimSpace(m.inputs[filenameField].Value())
		m.state = DashboardState
		return m, m.runAction("Add", "", func() error {
			_, err := m.Service.Enqueue(url, name)
			return err
		})
	}

	var cmd tea.Cmd
	m.inputs[m.focusedInput], cmd = m.inputs[m.focusedInput].Update(msg)
	return m, cmd
}

func (m RootModel) updateFolder(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, FolderKeys.Back):
		m.state = DashboardState
		m.folderInput.Blur()
		return m, nil

	case key.Matches(msg, FolderKeys.Submit):
		m.state = DashboardState
		m.folderInput.Blur()
		path := strings.TrimSpace(m.folderInput.Value())
		if path == "" {
			return m, m.runAction("Clear folder", "", m.Service.ClearFolder)
		}
		return m, m.runAction("Select folder", "", func() error {
			_, err := m.Service.SelectFolder(context.Background(), storage.StaticPicker{Path: path})
			return err
		})
	}

	var cmd tea.Cmd
	m.folderInput, cmd = m.folderInput.Update(msg)
	return m, cmd
}

// focus moves input focus to field i
func (m *RootModel) focus(i int) tea.Cmd {
	m.inputs[m.focusedInput].Blur()
	m.focusedInput = i
	return m.inputs[i].Focus()
}

// runAction calls fn off the update loop; transitions such as Pause wait on the transfer
func (m RootModel) runAction(action, id string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{action: action, id: id, err: fn()}
	}
}

func pasteFromClipboard() tea.Msg {
	text, err := clipboard.ReadAll()
	return clipboardMsg{text: text, err: err}
}
