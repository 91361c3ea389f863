package main

import (
	"log/slog"

	"github.com/energye/systray"
)

// SystrayInterface abstracts systray operations for testing.
type SystrayInterface interface {
	ResetMenu()
	AddMenuItem(title, tooltip string) MenuItem
	AddSeparator()
	SetTitle(title string)
	SetIcon(iconBytes []byte)
	SetTooltip(tooltip string)
	SetOnClick(fn func(menu systray.IMenu))
	SetOnRClick(fn func(menu systray.IMenu))
	Quit()
}

// RealSystray implements SystrayInterface using the actual systray library.
type RealSystray struct{}

var _ SystrayInterface = (*RealSystray)(nil)

func (*RealSystray) ResetMenu() {
	slog.Debug("[SYSTRAY] ResetMenu called")
	systray.ResetMenu()
}

func (*RealSystray) AddMenuItem(title, tooltip string) MenuItem {
	slog.Debug("[SYSTRAY] AddMenuItem called", "title", title)
	return &RealMenuItem{MenuItem: systray.AddMenuItem(title, tooltip)}
}

func (*RealSystray) AddSeparator() {
	systray.AddSeparator()
}

func (*RealSystray) SetTitle(title string) {
	slog.Debug("[SYSTRAY] SetTitle called", "title", title, "len", len(title))
	systray.SetTitle(title)
}

func (*RealSystray) SetIcon(iconBytes []byte) {
	systray.SetIcon(iconBytes)
}

func (*RealSystray) SetTooltip(tooltip string) {
	systray.SetTooltip(tooltip)
}

func (*RealSystray) SetOnClick(fn func(menu systray.IMenu)) {
	systray.SetOnClick(fn)
}

func (*RealSystray) SetOnRClick(fn func(menu systray.IMenu)) {
	systray.SetOnRClick(fn)
}

func (*RealSystray) Quit() {
	systray.Quit()
}
