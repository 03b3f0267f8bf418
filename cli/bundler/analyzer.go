package bundler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// SizeWarningBytes is the bundle size above which the analysis carries a warning
const SizeWarningBytes = 244 * 1024

// Analyzer provides bundle analysis using the esbuild metafile of a build
type Analyzer struct {
	root string
}

// NewAnalyzer creates a new bundle analyzer. root is the build context the
// metafile paths are relative to.
func NewAnalyzer(root string) *Analyzer {
	return &Analyzer{root: root}
}

// Analyze returns one analysis per bundle of res, ordered by bundle name
func (a *Analyzer) Analyze(res *Result) ([]*AnalysisResult, error) {
	var meta Metafile
	if err := json.Unmarshal([]byte(res.Metafile), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}

	bundles := make([]string, 0, len(res.Chunks))
	for name := range res.Chunks {
		bundles = append(bundles, name)
	}
	sort.Strings(bundles)

	results := make([]*AnalysisResult, 0, len(bundles))
	for _, name := range bundles {
		var keys []string
		for _, chunk := range res.Chunks[name] {
			keys = append(keys, a.outputKey(chunk.Path))
		}
		result, err := a.analyzeOutputs(&meta, keys)
		if err != nil {
			return nil, fmt.Errorf("bundle %q: %w", name, err)
		}
		result.App = res.App
		result.Bundle = name
		results = append(results, result)
	}
	return results, nil
}

func (a *Analyzer) outputKey(p string) string {
	if rel, err := filepath.Rel(a.root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.ToSlash(p)
}

// analyzeOutputs sums the given metafile outputs into one analysis
func (a *Analyzer) analyzeOutputs(meta *Metafile, keys []string) (*AnalysisResult, error) {
	result := &AnalysisResult{}
	contribs := make(map[string]int)
	externals := make(map[string]bool)

	for _, key := range keys {
		output, ok := meta.Outputs[key]
		if !ok {
			return nil, fmt.Errorf("output %s is missing from the metafile", key)
		}
		result.Files = append(result.Files, key)
		result.TotalBytes += output.Bytes

		for _, imp := range output.Imports {
			if imp.External {
				externals[imp.Path] = true
			}
		}
		for inputPath, contrib := range output.Inputs {
			contribs[inputPath] += contrib.BytesInOutput
		}
	}

	for inputPath, bytesInOutput := range contribs {
		inputInfo := meta.Inputs[inputPath]

		percentage := 0.0
		if result.TotalBytes > 0 {
			percentage = float64(bytesInOutput) / float64(result.TotalBytes) * 100
		}

		result.InputFiles = append(result.InputFiles, FileAnalysis{
			Path:          displayPath(inputPath),
			Bytes:         inputInfo.Bytes,
			BytesInOutput: bytesInOutput,
			Percentage:    percentage,
			ImportCount:   len(inputInfo.Imports),
			IsDependency:  strings.Contains(inputPath, "node_modules/"),
		})
	}

	// Sort by bytes in output (largest first)
	sort.Slice(result.InputFiles, func(i, j int) bool {
		if result.InputFiles[i].BytesInOutput != result.InputFiles[j].BytesInOutput {
			return result.InputFiles[i].BytesInOutput > result.InputFiles[j].BytesInOutput
		}
		return result.InputFiles[i].Path < result.InputFiles[j].Path
	})

	for imp := range externals {
		result.ExternalImports = append(result.ExternalImports, imp)
	}
	sort.Strings(result.ExternalImports)

	if result.TotalBytes > SizeWarningBytes {
		result.Warnings = append(result.Warnings, fmt.Sprintf(
			"bundle size %s exceeds the recommended limit of %s",
			formatBytesHuman(result.TotalBytes), formatBytesHuman(SizeWarningBytes)))
	}
	return result, nil
}

// displayPath shortens metafile input paths. Component style blocks live in
// their own namespace and are shown as part of their component.
func displayPath(inputPath string) string {
	p := strings.TrimPrefix(inputPath, styleNamespace+":")
	if i := strings.LastIndex(p, "node_modules/"); i >= 0 {
		return p[i:]
	}
	return p
}
