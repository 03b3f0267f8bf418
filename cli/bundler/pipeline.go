package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
)

// ErrUnknownLoader is returned for rules naming a loader the runner does not provide
var ErrUnknownLoader = errors.New("unknown loader")

// styleModuleTemplate injects a stylesheet into the page when it is not extracted
const styleModuleTemplate = `(function () {
  var style = document.createElement("style");
  style.setAttribute("data-source", %s);
  style.textContent = %s;
  document.head.appendChild(style);
})();
`

// module is a source file on its way through the loaders of matching rules
type module struct {
	path       string
	contents   string
	loader     api.Loader
	resolveDir string
	stylesheet bool
}

type loaderFunc func(p *pipeline, m *module, opts map[string]any) error

var loaders map[string]loaderFunc

func init() {
	loaders = map[string]loaderFunc{
		bundleconfig.LoaderBabel:   transpileScript,
		bundleconfig.LoaderVue:     compileComponent,
		bundleconfig.LoaderSass:    compileSass,
		bundleconfig.LoaderCSS:     loadStylesheet,
		bundleconfig.LoaderPostCSS: prefixStylesheet,
		bundleconfig.LoaderStyle:   injectStylesheet,
	}
}

type compiledRule struct {
	test     *regexp.Regexp
	exclude  *regexp.Regexp
	use      []bundleconfig.Loader
	fallback string
}

func (r *compiledRule) applies(p string) bool {
	p = filepath.ToSlash(p)
	if !r.test.MatchString(p) {
		return false
	}
	return r.exclude == nil || !r.exclude.MatchString(p)
}

type pipelineOptions struct {
	target  api.Target
	engines []api.Engine
	extract bool
	sfc     bool
	sass    *SassCompiler
	trace   *buildTrace
}

// pipeline applies the transformation rules of a configuration to loaded modules
type pipeline struct {
	ctx    context.Context
	rules  []compiledRule
	filter string
	pipelineOptions
}

func newPipeline(ctx context.Context, rules []bundleconfig.Rule, opts pipelineOptions) (*pipeline, error) {
	p := &pipeline{ctx: ctx, pipelineOptions: opts}

	var tests []string
	for i, rule := range rules {
		test, err := regexp.Compile(rule.Test)
		if err != nil {
			return nil, fmt.Errorf("rule %d: invalid test %q: %w", i, rule.Test, err)
		}
		cr := compiledRule{test: test, use: rule.Use, fallback: rule.Fallback}
		if rule.Exclude != "" {
			if cr.exclude, err = regexp.Compile(rule.Exclude); err != nil {
				return nil, fmt.Errorf("rule %d: invalid exclude %q: %w", i, rule.Exclude, err)
			}
		}

		for _, l := range rule.Use {
			if _, ok := loaders[l.Name]; !ok {
				return nil, fmt.Errorf("rule %d: %w %q", i, ErrUnknownLoader, l.Name)
			}
		}
		if rule.Fallback != "" {
			if _, ok := loaders[rule.Fallback]; !ok {
				return nil, fmt.Errorf("rule %d: %w %q", i, ErrUnknownLoader, rule.Fallback)
			}
		}

		p.rules = append(p.rules, cr)
		tests = append(tests, "(?:"+rule.Test+")")
	}
	p.filter = strings.Join(tests, "|")
	return p, nil
}

func (p *pipeline) plugin() api.Plugin {
	return api.Plugin{
		Name: "module-rules",
		Setup: func(build api.PluginBuild) {
			if p.sfc {
				build.OnLoad(api.OnLoadOptions{Filter: styleBlockFilter, Namespace: styleNamespace}, p.loadStyleBlock)
			}
			if len(p.rules) == 0 {
				return
			}
			build.OnLoad(api.OnLoadOptions{Filter: p.filter, Namespace: "file"}, p.loadFile)
		},
	}
}

func (p *pipeline) loadFile(args api.OnLoadArgs) (api.OnLoadResult, error) {
	if !p.matches(args.Path) {
		// excluded modules are loaded by esbuild as they are
		return api.OnLoadResult{}, nil
	}

	data, err := os.ReadFile(args.Path)
	if err != nil {
		return api.OnLoadResult{}, fmt.Errorf("failed to read %s: %w", args.Path, err)
	}

	m := &module{
		path:       args.Path,
		contents:   string(data),
		loader:     defaultLoader(args.Path),
		resolveDir: filepath.Dir(args.Path),
	}
	if err := p.process(m, args.Path); err != nil {
		return api.OnLoadResult{}, err
	}
	return m.result(), nil
}

func (p *pipeline) loadStyleBlock(args api.OnLoadArgs) (api.OnLoadResult, error) {
	componentPath, index, err := parseStyleBlockPath(args.Path)
	if err != nil {
		return api.OnLoadResult{}, err
	}

	data, err := os.ReadFile(componentPath)
	if err != nil {
		return api.OnLoadResult{}, fmt.Errorf("failed to read %s: %w", componentPath, err)
	}
	c := parseComponent(string(data))
	if index >= len(c.styles) {
		return api.OnLoadResult{}, fmt.Errorf("%s has no style block %d", componentPath, index)
	}

	m := &module{
		path:       args.Path,
		contents:   c.styles[index].content,
		loader:     api.LoaderCSS,
		resolveDir: filepath.Dir(componentPath),
	}
	if err := p.process(m, args.Path); err != nil {
		return api.OnLoadResult{}, err
	}
	return m.result(), nil
}

func (p *pipeline) matches(path string) bool {
	for i := range p.rules {
		if p.rules[i].applies(path) {
			return true
		}
	}
	return false
}

// process runs the loaders of every rule matching matchPath. Rules apply in
// order; the loaders of one rule apply right to left. This differs from
// webpack, which chains the loaders of all matching rules and runs the chain
// from the last rule up. A stylesheet that is not extracted goes through the
// fallback loader of its rule last.
func (p *pipeline) process(m *module, matchPath string) error {
	var fallback string
	for i := range p.rules {
		rule := &p.rules[i]
		if !rule.applies(matchPath) {
			continue
		}
		if rule.fallback != "" {
			fallback = rule.fallback
		}
		for j := len(rule.use) - 1; j >= 0; j-- {
			l := rule.use[j]
			if err := p.runLoader(l.Name, m, l.Options); err != nil {
				return err
			}
		}
	}

	if m.stylesheet && !p.extract && fallback != "" {
		return p.runLoader(fallback, m, nil)
	}
	return nil
}

// runLoader applies one loader to m inside its own span
func (p *pipeline) runLoader(name string, m *module, opts map[string]any) error {
	ctx := p.ctx
	if p.trace != nil {
		ctx = p.trace.context()
	}
	_, span := observability.StartLoaderSpan(ctx, name, m.path)

	err := loaders[name](p, m, opts)
	if err != nil {
		err = fmt.Errorf("%s: %w", name, err)
	}
	observability.EndSpan(span, err)
	return err
}

func (m *module) result() api.OnLoadResult {
	contents := m.contents
	return api.OnLoadResult{
		Contents:   &contents,
		Loader:     m.loader,
		ResolveDir: m.resolveDir,
	}
}

func defaultLoader(path string) api.Loader {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs", ".cjs", ".vue":
		return api.LoaderJS
	case ".jsx":
		return api.LoaderJSX
	case ".ts", ".mts", ".cts":
		return api.LoaderTS
	case ".tsx":
		return api.LoaderTSX
	case ".css", ".scss":
		return api.LoaderCSS
	case ".json":
		return api.LoaderJSON
	default:
		return api.LoaderDefault
	}
}

func messagesError(msgs []api.Message) error {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		texts = append(texts, formatMessage(m))
	}
	return errors.New(strings.Join(texts, "; "))
}

// transpileScript lowers a script to the configured language level
func transpileScript(p *pipeline, m *module, _ map[string]any) error {
	loader := m.loader
	if loader != api.LoaderJSX && loader != api.LoaderTS && loader != api.LoaderTSX {
		loader = api.LoaderJS
	}

	res := api.Transform(m.contents, api.TransformOptions{
		Loader:     loader,
		Target:     p.target,
		Engines:    p.engines,
		Sourcefile: m.path,
	})
	if len(res.Errors) > 0 {
		return messagesError(res.Errors)
	}
	m.contents = string(res.Code)
	m.loader = api.LoaderJS
	return nil
}

// compileComponent turns a single-file component into a script module. The
// script block then goes through the rules matching its language.
func compileComponent(p *pipeline, m *module, _ map[string]any) error {
	if !p.sfc {
		return errors.New("single-file components require the vue-loader plugin")
	}

	c := parseComponent(m.contents)
	code, err := c.module(filepath.Base(m.path))
	if err != nil {
		return err
	}

	m.contents = code
	m.loader = defaultLoader("script." + c.scriptLang())
	return p.processScript(m, m.path+"."+c.scriptLang())
}

// processScript runs the rules matching scriptPath, skipping the component rule itself
func (p *pipeline) processScript(m *module, scriptPath string) error {
	if strings.HasSuffix(scriptPath, ".vue") {
		return nil
	}
	return p.process(m, scriptPath)
}

// compileSass compiles .scss modules; plain stylesheets pass through
func compileSass(p *pipeline, m *module, _ map[string]any) error {
	if !strings.HasSuffix(m.path, ".scss") {
		return nil
	}
	if p.sass == nil {
		return ErrSassNotFound
	}
	css, err := p.sass.Compile(p.ctx, m.contents, m.resolveDir)
	if err != nil {
		return err
	}
	m.contents = css
	m.loader = api.LoaderCSS
	return nil
}

// loadStylesheet hands the module to esbuild as a stylesheet, resolving its
// @import and url() references
func loadStylesheet(_ *pipeline, m *module, _ map[string]any) error {
	m.loader = api.LoaderCSS
	m.stylesheet = true
	return nil
}

// prefixStylesheet adds vendor prefixes for the configured browsers
func prefixStylesheet(p *pipeline, m *module, opts map[string]any) error {
	if !usesAutoprefixer(opts) || len(p.engines) == 0 {
		return nil
	}

	res := api.Transform(m.contents, api.TransformOptions{
		Loader:     api.LoaderCSS,
		Engines:    p.engines,
		Sourcefile: m.path,
	})
	if len(res.Errors) > 0 {
		return messagesError(res.Errors)
	}
	m.contents = string(res.Code)
	return nil
}

func usesAutoprefixer(opts map[string]any) bool {
	raw, ok := opts["plugins"]
	if !ok {
		return true
	}
	switch plugins := raw.(type) {
	case []string:
		for _, name := range plugins {
			if name == "autoprefixer" {
				return true
			}
		}
	case []any:
		for _, name := range plugins {
			if s, ok := name.(string); ok && s == "autoprefixer" {
				return true
			}
		}
	}
	return false
}

// injectStylesheet wraps a stylesheet in a script adding it to the page
func injectStylesheet(_ *pipeline, m *module, _ map[string]any) error {
	source, err := json.Marshal(filepath.Base(m.path))
	if err != nil {
		return err
	}
	css, err := json.Marshal(m.contents)
	if err != nil {
		return err
	}
	m.contents = fmt.Sprintf(styleModuleTemplate, source, css)
	m.loader = api.LoaderJS
	m.stylesheet = false
	return nil
}
