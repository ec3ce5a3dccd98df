// Package cli renders verdicts and deployment history for the terminal.
package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/bnema/stackpilot/internal/deploy"
	"github.com/bnema/stackpilot/internal/health"
	"github.com/bnema/stackpilot/internal/registry"
	"github.com/bnema/stackpilot/pkg/runtime"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	okStatus   = color.New(color.FgGreen, color.Bold)
	warnStatus = color.New(color.FgYellow, color.Bold)
	badStatus  = color.New(color.FgRed, color.Bold)
)

// RenderVerdict renders the per-role table and overall status line
func RenderVerdict(v *health.Verdict) string {
	roles := make([]string, 0, len(v.PerRole))
	for role := range v.PerRole {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("ROLE", "HEALTHY", "REQUIRED", "STATUS")

	for _, name := range roles {
		rh := v.PerRole[registry.Role(name)]
		t.Row(name,
			fmt.Sprintf("%d/%d", rh.Healthy, rh.Total),
			fmt.Sprintf("%d", rh.Required),
			roleStatus(rh))
	}

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")

	for _, res := range v.Failing {
		b.WriteString(fmt.Sprintf("  %s %s: %s\n",
			badStatus.Sprint("✗"), res.Instance.Key(), res.Err))
	}

	b.WriteString(fmt.Sprintf("\nOverall: %s\n", overallStatus(v.Overall)))
	return b.String()
}

func roleStatus(rh health.RoleHealth) string {
	switch {
	case rh.Misconfigured:
		return badStatus.Sprint("misconfigured")
	case rh.Satisfied():
		return okStatus.Sprint("ok")
	case rh.Healthy == 0:
		return badStatus.Sprint("down")
	default:
		return warnStatus.Sprint("partial")
	}
}

func overallStatus(overall health.Overall) string {
	switch overall {
	case health.Healthy:
		return okStatus.Sprint("HEALTHY")
	case health.Degraded:
		return warnStatus.Sprint("DEGRADED")
	default:
		return badStatus.Sprint("UNHEALTHY")
	}
}

// RenderHistory renders recent deployment attempts, newest first
func RenderHistory(records []deploy.HistoryRecord) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("WHEN", "STATE", "VERDICT", "PASSES", "ROLLED BACK", "TAGS")

	for _, rec := range records {
		rolledBack := ""
		if rec.RolledBack {
			rolledBack = "yes"
		}
		t.Row(
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(rec.State),
			rec.Overall,
			fmt.Sprintf("%d", rec.RetryCount),
			rolledBack,
			formatTags(rec.Tags),
		)
	}

	return t.Render() + "\n"
}

// RenderContainers renders the running containers of one environment
func RenderContainers(containers []*runtime.Container) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("NAME", "SERVICE", "IMAGE", "STATUS")

	for _, c := range containers {
		t.Row(c.Name, c.Service, c.Image, c.Status)
	}

	return t.Render() + "\n"
}

func formatTags(tags map[string]string) string {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+":"+tags[name])
	}
	return strings.Join(parts, " ")
}
