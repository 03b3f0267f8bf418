package bundler

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// DisplayAnalysis prints the bundle analysis in a formatted way
func DisplayAnalysis(w io.Writer, result *AnalysisResult, showDetails bool) {
	_, _ = fmt.Fprintf(w, "\n=== Bundle Analysis: %s ===\n", result.Name())
	_, _ = fmt.Fprintf(w, "Total bundle size: %s\n", formatBytesHuman(result.TotalBytes))
	if len(result.Files) > 0 {
		_, _ = fmt.Fprintf(w, "Files: %s\n", strings.Join(result.Files, ", "))
	}

	if len(result.ExternalImports) > 0 {
		_, _ = fmt.Fprintln(w, "\nExternal imports (loaded by the page):")
		for _, imp := range result.ExternalImports {
			_, _ = fmt.Fprintf(w, "  - %s\n", imp)
		}
	}

	if len(result.InputFiles) > 0 {
		_, _ = fmt.Fprintln(w, "\nBundle breakdown:")

		// Determine how many files to show
		maxFiles := 10
		if showDetails {
			maxFiles = len(result.InputFiles)
		}

		// Calculate max path length for alignment
		maxPathLen := 0
		for i, file := range result.InputFiles {
			if i >= maxFiles {
				break
			}
			displayPath := truncatePath(file.Path, 50)
			if len(displayPath) > maxPathLen {
				maxPathLen = len(displayPath)
			}
		}

		// Print file breakdown
		dependencies := 0
		for i, file := range result.InputFiles {
			if i >= maxFiles {
				remaining := len(result.InputFiles) - maxFiles
				_, _ = fmt.Fprintf(w, "  ... and %d more files\n", remaining)
				break
			}

			displayPath := truncatePath(file.Path, 50)
			if file.IsDependency {
				dependencies++
			}
			padding := strings.Repeat(" ", maxPathLen-len(displayPath))
			_, _ = fmt.Fprintf(w, "  %s%s  %8s  %5.1f%%\n",
				displayPath,
				padding,
				formatBytesHuman(file.BytesInOutput),
				file.Percentage,
			)
		}
		if dependencies > 0 {
			_, _ = fmt.Fprintf(w, "  (%d of the files shown come from node_modules)\n", dependencies)
		}
	}

	if len(result.Warnings) > 0 {
		_, _ = fmt.Fprintln(w, "\nWarnings:")
		for _, warn := range result.Warnings {
			_, _ = fmt.Fprintf(w, "  - %s\n", warn)
		}
	}

	_, _ = fmt.Fprintln(w)
}

// DisplaySummary prints a compact summary of multiple analyses
func DisplaySummary(w io.Writer, results []*AnalysisResult) {
	if len(results) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w, "\n=== Bundle Size Summary ===")

	// Sort by size (largest first)
	sort.Slice(results, func(i, j int) bool {
		return results[i].TotalBytes > results[j].TotalBytes
	})

	// Calculate max name length for alignment
	maxNameLen := 6 // minimum "BUNDLE" header length
	for _, r := range results {
		if len(r.Name()) > maxNameLen {
			maxNameLen = len(r.Name())
		}
	}

	// Print header
	namePadding := strings.Repeat(" ", maxNameLen-6)
	_, _ = fmt.Fprintf(w, "BUNDLE%s  BUNDLE SIZE  FILES  EXTERNALS\n", namePadding)
	_, _ = fmt.Fprintf(w, "%s  -----------  -----  ---------\n", strings.Repeat("-", maxNameLen))

	var totalSize int
	for _, r := range results {
		totalSize += r.TotalBytes
		padding := strings.Repeat(" ", maxNameLen-len(r.Name()))
		_, _ = fmt.Fprintf(w, "%s%s  %11s  %5d  %9d\n",
			r.Name(),
			padding,
			formatBytesHuman(r.TotalBytes),
			len(r.InputFiles),
			len(r.ExternalImports),
		)
	}

	// Print total
	_, _ = fmt.Fprintf(w, "%s  -----------  -----  ---------\n", strings.Repeat("-", maxNameLen))
	totalPadding := strings.Repeat(" ", maxNameLen-5)
	_, _ = fmt.Fprintf(w, "TOTAL%s  %11s\n", totalPadding, formatBytesHuman(totalSize))
	_, _ = fmt.Fprintln(w)
}

// Name returns "<app>/<bundle>", or the bundle name alone without an app
func (r *AnalysisResult) Name() string {
	if r.App == "" {
		return r.Bundle
	}
	return r.App + "/" + r.Bundle
}

// formatBytesHuman formats bytes in human-readable format
func formatBytesHuman(bytes int) string {
	const (
		KB = 1024
		MB = 1024 * KB
	)
	switch {
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// truncatePath shortens a path if it's too long
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	return "..." + path[len(path)-maxLen+3:]
}
