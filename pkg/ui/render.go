package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/agentboard/agentboard/pkg/analysis"
	"github.com/agentboard/agentboard/pkg/conversation"
	"github.com/agentboard/agentboard/pkg/progress"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	systemStyle    = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
)

var planStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("8")).
	Padding(0, 1)

func stepGlyph(s analysis.StepStatus) string {
	switch s {
	case analysis.StepProcessing:
		return "…"
	case analysis.StepCompleted:
		return "✓"
	case analysis.StepFailed:
		return "✗"
	case analysis.StepSkipped:
		return "-"
	default:
		return "·"
	}
}

// Agents renders the per-agent progress list in plan order.
func Agents(views []progress.AgentView) string {
	if len(views) == 0 {
		return ""
	}
	var b strings.Builder
	for _, v := range views {
		line := fmt.Sprintf("%s %s", stepGlyph(v.Status), v.Agent)
		if v.ActionLabel != "" && v.Status == analysis.StepProcessing {
			line += dimStyle.Render(" " + v.ActionLabel)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Plan renders a proposed execution plan awaiting approval.
func Plan(plan *analysis.ExecutionPlan) string {
	if plan == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Proposed plan")
	for _, a := range plan.Agents {
		b.WriteString("\n• " + a.Name)
		if a.Coverage != "" {
			b.WriteString(dimStyle.Render(" " + a.Coverage))
		}
	}
	b.WriteString("\n\n" + dimStyle.Render("approve with /approve, or just ask something else"))
	return planStyle.Render(b.String())
}

// Message renders one conversation message.
func Message(m conversation.Message) string {
	switch {
	case m.Metadata.Error:
		out := errorStyle.Render("error: ") + m.Content
		for _, s := range m.Metadata.Suggestions {
			out += "\n" + dimStyle.Render("  try: "+s)
		}
		if m.Metadata.Retryable {
			out += "\n" + dimStyle.Render("  this may be transient, resend to retry")
		}
		return out
	case m.Role == conversation.RoleUser:
		out := userStyle.Render("you> ") + m.Content
		for _, f := range m.Metadata.Files {
			if f.Failed {
				out += "\n" + errorStyle.Render("  ⚠ "+f.Name+" failed to upload")
			} else {
				out += "\n" + dimStyle.Render("  ⎘ "+f.Name)
			}
		}
		return out
	case m.Role == conversation.RoleSystem:
		return systemStyle.Render(m.Content)
	case m.Metadata.Plan != nil:
		return Plan(m.Metadata.Plan)
	default:
		return assistantStyle.Render(m.Content)
	}
}

// Conversation renders the full ordered message view.
func Conversation(msgs []conversation.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, Message(m))
	}
	return strings.Join(parts, "\n\n")
}

// Report renders the structured sections of a final snapshot.
func Report(snap *analysis.Snapshot) string {
	if snap == nil || snap.Report.Empty() {
		return ""
	}
	var b strings.Builder
	r := snap.Report
	if len(r.Recommendations) > 0 {
		b.WriteString(userStyle.Render("Recommendations") + "\n")
		for _, rec := range r.Recommendations {
			b.WriteString("• " + rec + "\n")
		}
	}
	if len(r.NextSteps) > 0 {
		b.WriteString(userStyle.Render("Next steps") + "\n")
		for _, s := range r.NextSteps {
			b.WriteString("• " + s + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
