package main

import "github.com/energye/systray"

// MenuItem is implemented by real systray menu items and by test mocks.
type MenuItem interface {
	Disable()
	Enable()
	Check()
	Uncheck()
	SetTitle(string)
	SetTooltip(string)
	Click(func())
	AddSubMenuItem(title, tooltip string) MenuItem
}

// RealMenuItem wraps a systray.MenuItem.
type RealMenuItem struct {
	*systray.MenuItem
}

var _ MenuItem = (*RealMenuItem)(nil)

func (r *RealMenuItem) Disable() { r.MenuItem.Disable() }

func (r *RealMenuItem) Enable() { r.MenuItem.Enable() }

func (r *RealMenuItem) Check() { r.MenuItem.Check() }

func (r *RealMenuItem) Uncheck() { r.MenuItem.Uncheck() }

func (r *RealMenuItem) SetTitle(title string) { r.MenuItem.SetTitle(title) }

func (r *RealMenuItem) SetTooltip(tooltip string) { r.MenuItem.SetTooltip(tooltip) }

// Click sets the click handler.
func (r *RealMenuItem) Click(handler func()) {
	r.MenuItem.Click(handler)
}

// AddSubMenuItem adds a sub menu item and returns it wrapped in our interface.
func (r *RealMenuItem) AddSubMenuItem(title, tooltip string) MenuItem {
	return &RealMenuItem{MenuItem: r.MenuItem.AddSubMenuItem(title, tooltip)}
}
