package yblocker

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Console prints the operator-facing BLOCK/PASS lines. Colors are chosen
// by the renderer for the destination writer, so plain writers get plain
// text. A nil *Console discards output.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	block lipgloss.Style
	pass  lipgloss.Style
	note  lipgloss.Style
}

// NewConsole creates a Console writing to w.
func NewConsole(w io.Writer) *Console {
	r := lipgloss.NewRenderer(w)
	return &Console{
		out:   w,
		block: r.NewStyle().Background(lipgloss.Color("1")).Foreground(lipgloss.Color("15")),
		pass:  r.NewStyle().Background(lipgloss.Color("2")).Foreground(lipgloss.Color("0")),
		note:  r.NewStyle().Foreground(lipgloss.Color("2")),
	}
}

// Block prints a BLOCK line for host.
func (c *Console) Block(host string) {
	if c == nil {
		return
	}
	c.line(c.block, " BLOCK ", host)
}

// Pass prints a PASS line for host.
func (c *Console) Pass(host string) {
	if c == nil {
		return
	}
	c.line(c.pass, " PASS ", host)
}

// Notice prints a highlighted message.
func (c *Console) Notice(format string, args ...any) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, c.note.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) line(badge lipgloss.Style, label, host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, "%s\t%s\n", badge.Render(label), host)
}
