// Package ui holds the terminal styles shared by the CLI commands.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Strikethrough(true)
)

// RenderAccent renders s in the highlight style used for names and ids.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders s in the success style.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderError renders s in the failure style.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderWarn renders s in the caution style, used for blocked or skipped tasks.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderMuted renders s dimmed, used for secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderDone renders s struck through, used for completed tasks.
func RenderDone(s string) string { return doneStyle.Render(s) }
