package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// palette colours job states when stdout is a terminal.
type palette struct {
	success *color.Color
	warn    *color.Color
	error   *color.Color
	active  *color.Color
}

func newPalette(w *os.File) palette {
	p := palette{
		success: color.New(color.FgGreen, color.Bold),
		warn:    color.New(color.FgYellow, color.Bold),
		error:   color.New(color.FgRed, color.Bold),
		active:  color.New(color.FgBlue),
	}
	if !isTerminal(w) || os.Getenv("NO_COLOR") != "" {
		p.success.DisableColor()
		p.warn.DisableColor()
		p.error.DisableColor()
		p.active.DisableColor()
	}
	return p
}

func (p palette) state(s string) string {
	switch s {
	case "SUCCESS":
		return p.success.Sprint(s)
	case "FAILED", "CANCELED":
		return p.warn.Sprint(s)
	case "ERROR":
		return p.error.Sprint(s)
	default:
		return p.active.Sprint(s)
	}
}

func isTerminal(w *os.File) bool {
	return term.IsTerminal(int(w.Fd()))
}

func printJobs(w io.Writer, p palette, jobs []jobView) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPROGRESS\tTARGET\tURL")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, p.state(j.State), formatProgress(j.State, j.Progress), j.TargetDir, shortURL(j.URL))
		if j.Message != "" {
			fmt.Fprintf(tw, " \t \t \t \t  %s\n", j.Message)
		}
	}
	_ = tw.Flush()
}

func shortURL(u string) string {
	if len(u) > 64 {
		return u[:61] + "..."
	}
	return u
}

// formatProgress renders bytes while downloading and a percentage while
// verifying or extracting.
func formatProgress(state string, progress int64) string {
	switch state {
	case "DOWNLOADING":
		return humanize.IBytes(uint64(max(progress, 0)))
	case "VERIFYING", "EXTRACTING":
		return fmt.Sprintf("%d%%", progress)
	default:
		return "-"
	}
}

func hasActiveJobs(jobs []jobView) bool {
	for _, j := range jobs {
		switch j.State {
		case "SUCCESS", "FAILED", "CANCELED", "ERROR":
		default:
			return true
		}
	}
	return false
}

func stateCounts(jobs []jobView) map[string]int {
	counts := map[string]int{}
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts
}
