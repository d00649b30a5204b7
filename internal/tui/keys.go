package tui

import "github.com/charmbracelet/bubbles/key"

// DashboardKeyMap holds the list view bindings
type DashboardKeyMap struct {
	Up       key.Binding
	Down     key.Binding
	Add      key.Binding
	Pause    key.Binding
	Resume   key.Binding
	Cancel   key.Binding
	Remove   key.Binding
	Retry    key.Binding
	More     key.Binding
	Less     key.Binding
	Folder   key.Binding
	Settings key.Binding
	Quit     key.Binding
}

func (k DashboardKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Add, k.Pause, k.Resume, k.Cancel, k.Remove, k.Retry, k.More, k.Less, k.Folder, k.Quit}
}

func (k DashboardKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Add, k.Pause, k.Resume, k.Cancel, k.Remove, k.Retry},
		{k.More, k.Less, k.Folder, k.Settings, k.Quit},
	}
}

// InputKeyMap holds the add-download form bindings
type InputKeyMap struct {
	Next   key.Binding
	Paste  key.Binding
	Submit key.Binding
	Back   key.Binding
}

func (k InputKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Paste, k.Submit, k.Back}
}

func (k InputKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// FolderKeyMap holds the folder prompt bindings
type FolderKeyMap struct {
	Submit key.Binding
	Back   key.Binding
}

func (k FolderKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Submit, k.Back}
}

func (k FolderKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

var DashboardKeys = DashboardKeyMap{
	Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Add:      key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "add")),
	Pause:    key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "pause")),
	Resume:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "resume")),
	Cancel:   key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "cancel")),
	Remove:   key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "remove")),
	Retry:    key.NewBinding(key.WithKeys("R"), key.WithHelp("R", "retry")),
	More:     key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "more slots")),
	Less:     key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "fewer slots")),
	Folder:   key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "folder")),
	Settings: key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "settings")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var InputKeys = InputKeyMap{
	Next:   key.NewBinding(key.WithKeys("tab", "up", "down"), key.WithHelp("tab", "next field")),
	Paste:  key.NewBinding(key.WithKeys("ctrl+v"), key.WithHelp("ctrl+v", "paste")),
	Submit: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "confirm")),
	Back:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
}

var FolderKeys = FolderKeyMap{
	Submit: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "save (empty clears)")),
	Back:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "back")),
}
