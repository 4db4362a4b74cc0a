package notify

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	originalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	responseStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	ruleStyle     = lipgloss.NewStyle().Faint(true)
)

const consoleRule = 60

// Console prints the original in yellow and our response in cyan.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Report(_ context.Context, ex Exchange) error {
	rule := ruleStyle.Render(strings.Repeat("=", consoleRule))

	var orig strings.Builder
	fmt.Fprintf(&orig, "ORIGINAL %s:\n", ex.Label)
	fmt.Fprintf(&orig, "From: @%s\n", ex.Author)
	if ex.Label != LabelReply {
		title := ex.Title
		if title == "" {
			title = "N/A"
		}
		fmt.Fprintf(&orig, "Title: %s\n", title)
	}
	content := ex.Original
	if strings.TrimSpace(content) == "" {
		content = "[no content]"
	}
	fmt.Fprintf(&orig, "Content: %s", truncate(content, 500))

	_, err := fmt.Fprintf(c.w, "\n%s\n%s\n\n%s\n%s\n%s\n\n",
		rule,
		originalStyle.Render(orig.String()),
		responseStyle.Bold(true).Render("OUR RESPONSE:"),
		responseStyle.Render(ex.Response),
		rule,
	)
	return err
}
