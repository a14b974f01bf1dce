package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kalambet/vecgate/internal/retrieval"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMatches(w io.Writer, matches []retrieval.Match) {
	if len(matches) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, m := range matches {
		fmt.Fprintf(w, "\n%s [distance: %.4f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), m.Distance)
		if m.Document.ID != "" {
			fmt.Fprintf(w, "  ID: %s\n", m.Document.ID)
		}
		if len(m.Document.Metadata) > 0 {
			meta, _ := json.Marshal(m.Document.Metadata)
			fmt.Fprintf(w, "  Metadata: %s\n", meta)
		}
		fmt.Fprintf(w, "  %s\n", truncate(m.Document.PageContent, 500))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
