package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/floegence/redeven-impact/internal/impact"
)

// ANSI color codes for terminal styling. The color codes share one length so
// colored tabwriter columns stay aligned.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[91m"
	ansiYellow = "\033[93m"
	ansiGreen  = "\033[92m"
	ansiDim    = "\033[90m"
)

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// styleBand renders a score with its band, colored when useANSI is set.
func styleBand(score float64, useANSI bool) string {
	band := impact.BandFor(score)
	text := fmt.Sprintf("%.1f %s", score, band)
	if !useANSI {
		return text
	}
	switch band {
	case impact.BandCritical:
		return ansiRed + text + ansiReset
	case impact.BandModerate:
		return ansiYellow + text + ansiReset
	default:
		return ansiGreen + text + ansiReset
	}
}

func styleDim(s string, useANSI bool) string {
	if !useANSI || s == "" {
		return s
	}
	return ansiDim + s + ansiReset
}

func formatUnixMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func printRun(w io.Writer, r impact.Run, useANSI bool) {
	fmt.Fprintf(w, "run %s  artefact=%s  status=%s\n", r.ID, r.ArtefactID, r.Status)
	if r.Status == impact.RunCompleted {
		fmt.Fprintf(w, "  score:   %s\n", styleBand(r.ImpactScore, useANSI))
		fmt.Fprintf(w, "  changes: %d (high severity: %d)\n", r.Summary.TotalChanges, r.Summary.HighSeverityCount)
		if len(r.Summary.TypeBreakdown) > 0 {
			parts := make([]string, 0, len(r.Summary.TypeBreakdown))
			for _, t := range []impact.ChangeType{impact.ChangeAdded, impact.ChangeRemoved, impact.ChangeModified, impact.ChangeReworded, impact.ChangeNewArtefact} {
				if n := r.Summary.TypeBreakdown[t]; n > 0 {
					parts = append(parts, fmt.Sprintf("%s=%d", t, n))
				}
			}
			fmt.Fprintf(w, "  by type: %s\n", strings.Join(parts, " "))
		}
		if r.Summary.Degraded {
			fmt.Fprintf(w, "  degraded: %s\n", strings.Join(r.Summary.FailedTargets, ", "))
		}
	}
	if r.Error != "" {
		fmt.Fprintf(w, "  error:   %s\n", r.Error)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", styleDim(warn, useANSI))
	}
}

func printRuns(w io.Writer, runs []impact.Run, useANSI bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSCORE\tCHANGES\tCREATED")
	for _, r := range runs {
		score := "-"
		if r.Status == impact.RunCompleted {
			score = styleBand(r.ImpactScore, useANSI)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Status, score, r.Summary.TotalChanges, formatUnixMs(r.CreatedAtUnixMs))
	}
	return tw.Flush()
}

func printItems(w io.Writer, items []impact.Item, useANSI bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tNAME\tSCORE\tREVIEW\tREASON")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", it.ID, it.Type, it.Name, styleBand(it.Score, useANSI), it.ReviewStatus, oneLine(it.Reason, 80))
	}
	return tw.Flush()
}

func printGraph(w io.Writer, g impact.Graph) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tLINK\tCONFIDENCE\tSOURCE")
	for _, e := range g.All() {
		target := string(e.TargetType) + ":" + e.TargetID
		if e.DataKind != "" {
			target += " (" + string(e.DataKind) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", e.ID, target, e.LinkType, e.Confidence, e.Source)
	}
	return tw.Flush()
}

func printSuggestions(w io.Writer, list []impact.Suggestion) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tLINK\tCONFIDENCE\tSTATUS\tREASONING")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%.2f\t%s\t%s\n", s.ID, s.SuggestedTargetType, s.SuggestedTargetID, s.SuggestedLinkType, s.Confidence, s.Status, oneLine(s.Reasoning, 80))
	}
	return tw.Flush()
}

func printDiff(w io.Writer, d impact.Diff, useANSI bool) error {
	if d.Status != impact.DiffOK {
		fmt.Fprintf(w, "diff %s: %s\n", d.ArtefactID, d.Status)
		return nil
	}
	fmt.Fprintf(w, "diff %s: %s -> %s  score delta %+.2f\n", d.ArtefactID, d.OlderRunID, d.NewerRunID, d.ScoreDelta)
	sections := []struct {
		title string
		items []impact.Item
	}{
		{"new", d.New},
		{"resolved", d.Resolved},
		{"persisted", d.Persisted},
	}
	for _, sec := range sections {
		fmt.Fprintf(w, "\n%s (%d)\n", sec.title, len(sec.items))
		for _, it := range sec.items {
			fmt.Fprintf(w, "  %-13s %-40s %s\n", it.Type, it.Name, styleBand(it.Score, useANSI))
		}
	}
	return nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if max > 0 && len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

// readSecret reads one line from stdin without echo when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	var raw string
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		raw = string(b)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", err
		}
		raw = line
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty secret")
	}
	return raw, nil
}
