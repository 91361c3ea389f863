package main

import (
	"sync"

	"github.com/energye/systray"
)

// MockSystray implements SystrayInterface for testing.
type MockSystray struct {
	title   string
	tooltip string
	icon    []byte
	items   []*MockMenuItem
	quit    bool
	mu      sync.Mutex
}

func (m *MockSystray) ResetMenu() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = nil
}

func (m *MockSystray) AddMenuItem(title, tooltip string) MenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := &MockMenuItem{title: title, tooltip: tooltip}
	m.items = append(m.items, item)
	return item
}

func (m *MockSystray) AddSeparator() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, &MockMenuItem{title: "---"})
}

func (m *MockSystray) SetTitle(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.title = title
}

func (m *MockSystray) SetIcon(iconBytes []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.icon = iconBytes
}

func (m *MockSystray) SetTooltip(tooltip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tooltip = tooltip
}

func (*MockSystray) SetOnClick(func(menu systray.IMenu)) {}

func (*MockSystray) SetOnRClick(func(menu systray.IMenu)) {}

func (m *MockSystray) Quit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quit = true
}

func (m *MockSystray) titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it.title)
	}
	return out
}

// item returns the top-level menu item with the given title, or nil.
func (m *MockSystray) item(title string) *MockMenuItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.title == title {
			return it
		}
	}
	return nil
}

// MockMenuItem implements MenuItem without calling systray functions.
type MockMenuItem struct {
	title        string
	tooltip      string
	clickHandler func()
	subItems     []*MockMenuItem
	disabled     bool
	checked      bool
}

var _ MenuItem = (*MockMenuItem)(nil)

func (m *MockMenuItem) Disable() { m.disabled = true }

func (m *MockMenuItem) Enable() { m.disabled = false }

func (m *MockMenuItem) Check() { m.checked = true }

func (m *MockMenuItem) Uncheck() { m.checked = false }

func (m *MockMenuItem) SetTitle(title string) { m.title = title }

func (m *MockMenuItem) SetTooltip(tooltip string) { m.tooltip = tooltip }

func (m *MockMenuItem) Click(handler func()) { m.clickHandler = handler }

func (m *MockMenuItem) AddSubMenuItem(title, tooltip string) MenuItem {
	sub := &MockMenuItem{title: title, tooltip: tooltip}
	m.subItems = append(m.subItems, sub)
	return sub
}

func (m *MockMenuItem) sub(title string) *MockMenuItem {
	for _, s := range m.subItems {
		if s.title == title {
			return s
		}
	}
	return nil
}

func (m *MockMenuItem) click() {
	if m.clickHandler != nil {
		m.clickHandler()
	}
}
