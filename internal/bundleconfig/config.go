// Package bundleconfig builds the bundle configuration for one application.
//
// An application directory holds its sources under static/src and receives its
// bundles under static/dist/<app>. The configuration produced here is plain data:
// the bundle runner reads it and hands the actual work to esbuild.
package bundleconfig

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

const (
	// SourceDir is the per-application source tree, relative to the application directory
	SourceDir = "static/src"

	// DistDir is the per-application output tree, relative to the application directory
	DistDir = "static/dist"

	// StatsFile is the tracking manifest written next to the application directory
	StatsFile = "webpack-stats.json"

	// DependencyDir is the standard dependency directory searched during resolution
	DependencyDir = "node_modules"
)

// DefaultEntryFiles is used when Build is called without entry files
var DefaultEntryFiles = []string{"main.js"}

// ErrDuplicateBundle is matched by errors.Is when two entry files map to the same bundle name
var ErrDuplicateBundle = errors.New("duplicate bundle name")

// DuplicateBundleError describes a bundle-name collision within one Build call
type DuplicateBundleError struct {
	App    string
	Bundle string
	First  string
	Second string
}

func (e *DuplicateBundleError) Error() string {
	return fmt.Sprintf("app %q: entry files %q and %q both produce bundle %q",
		e.App, e.First, e.Second, e.Bundle)
}

// Is reports whether target is ErrDuplicateBundle
func (e *DuplicateBundleError) Is(target error) bool {
	return target == ErrDuplicateBundle
}

// Config is the bundle configuration of one application
type Config struct {
	// App is the application name the configuration was built for
	App string `json:"-" yaml:"-"`

	// Context is the directory all relative paths are resolved against
	Context string `json:"context" yaml:"context"`

	// Entry maps bundle names to entry source paths, in entry-file order
	Entry EntryMap `json:"entry" yaml:"entry"`

	Output  Output   `json:"output" yaml:"output"`
	Plugins []Plugin `json:"plugins" yaml:"plugins"`
	Resolve Resolve  `json:"resolve" yaml:"resolve"`
	Module  Module   `json:"module" yaml:"module"`
}

// Output describes where bundles are emitted
type Output struct {
	// Filename is the bundle file pattern; [name] is replaced by the bundle name
	Filename string `json:"filename" yaml:"filename"`

	// Path is the output directory, relative to Context
	Path string `json:"path" yaml:"path"`

	// PublicPath is the URL prefix the bundles are served under (optional)
	PublicPath string `json:"publicPath,omitempty" yaml:"public_path,omitempty"`
}

// PluginKind identifies a build plugin
type PluginKind string

const (
	// PluginBundleTracker writes the tracking manifest
	PluginBundleTracker PluginKind = "webpack-bundle-tracker"

	// PluginVueLoader enables single-file component support
	PluginVueLoader PluginKind = "vue-loader"

	// PluginExtractText extracts stylesheets into sibling files
	PluginExtractText PluginKind = "extract-text-webpack-plugin"
)

// Plugin is one plugin instance of the build
type Plugin struct {
	Kind PluginKind `json:"kind" yaml:"kind"`

	// Filename is the file the plugin writes, when it writes one
	Filename string `json:"filename,omitempty" yaml:"filename,omitempty"`
}

// Resolve controls module resolution
type Resolve struct {
	// Modules lists directories searched for bare imports
	Modules []string `json:"modules" yaml:"modules"`

	// Alias substitutes import paths. A key ending in "$" matches the import exactly,
	// any other key also matches sub-paths of the import.
	Alias map[string]string `json:"alias,omitempty" yaml:"alias,omitempty"`
}

// Module holds the transformation rules
type Module struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Rule associates a file pattern with the loaders applied to matching modules
type Rule struct {
	// Test is a regular expression matched against the module path
	Test string `json:"test" yaml:"test"`

	// Exclude is a regular expression; matching modules skip the rule
	Exclude string `json:"exclude,omitempty" yaml:"exclude,omitempty"`

	// Use lists the loaders, applied right to left
	Use []Loader `json:"use" yaml:"use"`

	// Fallback is applied to the stylesheet when extraction is disabled
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Loader is a named processing step with its options
type Loader struct {
	Name    string         `json:"loader" yaml:"loader"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Loader names understood by the bundle runner
const (
	LoaderBabel   = "babel-loader"
	LoaderVue     = "vue-loader"
	LoaderCSS     = "css-loader"
	LoaderSass    = "sass-loader"
	LoaderStyle   = "style-loader"
	LoaderPostCSS = "postcss-loader"
)

// Build creates the configuration for app with the given entry files, each relative
// to <app>/static/src. Without entry files DefaultEntryFiles is used.
// Two entry files producing the same bundle name fail with a *DuplicateBundleError.
func Build(app string, entryFiles ...string) (*Config, error) {
	entry, err := buildEntries(app, entryFiles, true)
	if err != nil {
		return nil, err
	}
	return newConfig(app, entry), nil
}

// BuildLenient is Build where a later entry file silently replaces an earlier one
// producing the same bundle name.
func BuildLenient(app string, entryFiles ...string) *Config {
	entry, _ := buildEntries(app, entryFiles, false)
	return newConfig(app, entry)
}

func buildEntries(app string, entryFiles []string, strict bool) (EntryMap, error) {
	if len(entryFiles) == 0 {
		entryFiles = DefaultEntryFiles
	}

	var entry EntryMap
	sources := make(map[string]string, len(entryFiles))
	for _, file := range entryFiles {
		name := BundleName(file)
		if first, ok := sources[name]; ok && strict {
			return nil, &DuplicateBundleError{App: app, Bundle: name, First: first, Second: file}
		}
		sources[name] = file
		entry.Set(name, EntryImport(app, file))
	}
	return entry, nil
}

func newConfig(app string, entry EntryMap) *Config {
	return &Config{
		App:     app,
		Context: ".",
		Entry:   entry,
		Output: Output{
			Filename: "[name].js",
			Path:     OutputPath(app),
		},
		Plugins: []Plugin{
			{Kind: PluginBundleTracker, Filename: "./" + path.Join(app, StatsFile)},
			{Kind: PluginVueLoader},
			{Kind: PluginExtractText, Filename: "[name].css"},
		},
		Resolve: Resolve{
			Modules: []string{DependencyDir},
			Alias: map[string]string{
				"vue$": "vue/dist/vue.esm.js",
			},
		},
		Module: Module{
			Rules: []Rule{
				{
					Test:    `\.js$`,
					Exclude: DependencyDir,
					Use:     []Loader{{Name: LoaderBabel}},
				},
				{
					Test: `\.vue$`,
					Use:  []Loader{{Name: LoaderVue}},
				},
				{
					Test:     `\.s?css$`,
					Use:      []Loader{{Name: LoaderCSS}, {Name: LoaderSass}},
					Fallback: LoaderStyle,
				},
				{
					Test: `\.s?css$`,
					Use: []Loader{{
						Name:    LoaderPostCSS,
						Options: map[string]any{"plugins": []string{"autoprefixer"}},
					}},
				},
			},
		},
	}
}

// BundleName derives the bundle name of an entry file. An index file inside a
// directory is named after the directory; any other file keeps its directory and
// base name without the extension.
func BundleName(entryFile string) string {
	dir, name := splitEntry(entryFile)
	if name == "index" && dir != "" {
		return dir
	}
	return path.Join(dir, name)
}

// EntryImport returns the source path of entryFile, relative to the build context
func EntryImport(app, entryFile string) string {
	return "./" + path.Join(app, SourceDir, filepath.ToSlash(entryFile))
}

// OutputPath returns the output directory of app, relative to the build context
func OutputPath(app string) string {
	return path.Join(app, DistDir, app)
}

func splitEntry(entryFile string) (dir, name string) {
	p := filepath.ToSlash(entryFile)
	dir, base := path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	dir = strings.TrimPrefix(dir, "./")
	if dir == "." {
		dir = ""
	}

	ext := path.Ext(base)
	if ext == base {
		// dotfiles such as ".eslintrc" have no extension
		ext = ""
	}
	return dir, strings.TrimSuffix(base, ext)
}

// Plugin returns the first plugin of the given kind
func (c *Config) Plugin(kind PluginKind) (Plugin, bool) {
	for _, p := range c.Plugins {
		if p.Kind == kind {
			return p, true
		}
	}
	return Plugin{}, false
}

// OutputDir returns the output directory resolved against Context
func (c *Config) OutputDir() string {
	return filepath.Join(c.Context, filepath.FromSlash(c.Output.Path))
}

// SourceDir returns the application source directory resolved against Context
func (c *Config) SourceDir() string {
	return filepath.Join(c.Context, c.App, filepath.FromSlash(SourceDir))
}

// StatsPath returns the tracking file path resolved against Context, or "" when
// the configuration has no bundle tracker.
func (c *Config) StatsPath() string {
	p, ok := c.Plugin(PluginBundleTracker)
	if !ok || p.Filename == "" {
		return ""
	}
	return filepath.Join(c.Context, filepath.FromSlash(p.Filename))
}

// WithContext returns a copy of the configuration resolved against dir
func (c *Config) WithContext(dir string) *Config {
	cp := *c
	cp.Context = dir
	return &cp
}
