// Package ui provides terminal rendering helpers for shelf commands.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

func init() {
	// Respect the terminal's actual color support.
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

// RenderAccent renders highlighted text.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success text.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warning text.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr renders error text.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderDim renders de-emphasized text.
func RenderDim(s string) string { return dimStyle.Render(s) }

// StatusBadge renders a sync status with an appropriate color.
func StatusBadge(status syncer.SyncStatus) string {
	switch status {
	case syncer.StatusSuccess:
		return passStyle.Render(string(status))
	case syncer.StatusError:
		return errStyle.Render(string(status))
	case syncer.StatusOffline:
		return warnStyle.Render(string(status))
	case syncer.StatusSyncing:
		return accentStyle.Render(string(status))
	default:
		return dimStyle.Render(string(status))
	}
}
