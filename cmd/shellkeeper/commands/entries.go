package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/resume"
	"github.com/spf13/cobra"
)

func newListCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List suspended sessions",
		Args:    cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.ctrl.Refresh(cmd.Context()); err != nil {
				return fmt.Errorf("list suspended sessions: %w", err)
			}
			renderEntries(a.out, a.ctrl.Entries(), time.Now())
			return nil
		}),
	}
}

func newTerminateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <suspend-id>",
		Short: "Kill a suspended shell",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.ctrl.Terminate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(a.out, infoStyle.Render("Terminated "+args[0]))
			return nil
		}),
	}
}

func newRemoveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <suspend-id>",
		Aliases: []string{"rm"},
		Short:   "Remove an entry whose shell the backend lost",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.ctrl.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(a.out, infoStyle.Render("Removed "+args[0]))
			return nil
		}),
	}
}

func newRenameCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <suspend-id> [name]",
		Short: "Name a suspended session; an omitted name clears it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			name := ""
			if len(args) == 2 {
				name = args[1]
			}
			if err := a.ctrl.Rename(cmd.Context(), args[0], name); err != nil {
				return err
			}
			if name == "" {
				fmt.Fprintln(a.out, infoStyle.Render("Cleared the name of "+args[0]))
			} else {
				fmt.Fprintln(a.out, infoStyle.Render(fmt.Sprintf("Renamed %s to %q", args[0], name)))
			}
			return nil
		}),
	}
}

func newProfilesCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List connection profiles",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app, args []string) error {
			all, err := a.catalog.List()
			if err != nil {
				return fmt.Errorf("list profiles: %w", err)
			}
			renderProfiles(a.out, all)
			return nil
		}),
	}
}

func renderTable(w io.Writer, header []string, rows [][]string, style func(row, col int) lipgloss.Style) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if n := lipgloss.Width(c); n > widths[i] {
				widths[i] = n
			}
		}
	}

	line := func(cells []string, st func(col int) lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = st(i).Inherit(cellStyle).Width(widths[i] + cellStyle.GetPaddingRight()).Render(c)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(w, line(header, func(int) lipgloss.Style { return headerStyle }))
	for i, r := range rows {
		row := i
		fmt.Fprintln(w, line(r, func(col int) lipgloss.Style { return style(row, col) }))
	}
}

func renderEntries(w io.Writer, entries []resume.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No suspended sessions"))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := string(e.Status)
		if e.TerminatedReason != "" {
			status += " (" + e.TerminatedReason + ")"
		}
		since := units.HumanDuration(now.Sub(e.SuspendedAt)) + " ago"
		if e.DisconnectedAt != nil {
			since += ", lost " + units.HumanDuration(now.Sub(*e.DisconnectedAt)) + " ago"
		}
		rows = append(rows, []string{e.SuspendID, e.DisplayName(), e.ConnectionName, status, since})
	}
	renderTable(w, []string{"SUSPEND ID", "NAME", "CONNECTION", "STATUS", "SUSPENDED"}, rows, func(row, col int) lipgloss.Style {
		if col == 3 {
			return statusStyle(string(entries[row].Status))
		}
		return lipgloss.NewStyle()
	})
}

func renderProfiles(w io.Writer, all []profiles.Profile) {
	if len(all) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No connection profiles"))
		return
	}
	rows := make([][]string, 0, len(all))
	for _, p := range all {
		target := p.Host
		if p.Username != "" {
			target = p.Username + "@" + target
		}
		if p.Port != 0 && p.Port != 22 {
			target += ":" + strconv.Itoa(p.Port)
		}
		rows = append(rows, []string{p.ID, p.Name(), p.Type, target})
	}
	renderTable(w, []string{"ID", "NAME", "TYPE", "TARGET"}, rows, func(row, col int) lipgloss.Style {
		if col == 0 {
			return mutedStyle
		}
		return lipgloss.NewStyle()
	})
}
