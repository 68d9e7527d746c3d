package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	promptTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	promptLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3"))
	promptWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
)

// RenderPrompt formats the approval request for display on a
// terminal, styled the way codeNERD's CLI renders status panels.
func RenderPrompt(s Snapshot) string {
	var b strings.Builder
	b.WriteString(promptTitle.Render("PATCH APPROVAL REQUIRED"))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "%s %s\n", promptLabel.Render("skill:"), s.Skill)
	fmt.Fprintf(&b, "%s %s\n", promptLabel.Render("patch:"), s.PatchName)
	fmt.Fprintf(&b, "%s %s\n", promptLabel.Render("what:"), s.Description)
	b.WriteString(promptWarn.Render("approve this patch? [y/n]: "))
	return b.String()
}

// PromptTerminal writes the rendered prompt to out and blocks reading
// a single line from in, returning the operator's decision. Any
// answer other than a leading 'y'/'Y' is treated as a decline. The
// blocking read can't itself observe ctx; callers race PromptTerminal
// against ctx/the bridge channel in a goroutine.
func PromptTerminal(ctx context.Context, in io.Reader, out io.Writer, s Snapshot) (bool, error) {
	fmt.Fprintln(out, RenderPrompt(s))
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, err
		}
		return false, io.EOF
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	line := strings.TrimSpace(scanner.Text())
	return len(line) > 0 && (line[0] == 'y' || line[0] == 'Y'), nil
}
