package bundler

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// styleNamespace holds the stylesheet blocks of single-file components
const styleNamespace = "sfc-style"

// styleBlockFilter matches the virtual paths of component style blocks,
// e.g. "Card.vue.style0.scss"
const styleBlockFilter = `\.vue\.style\d+\.s?css$`

var (
	templateBlockRegex = regexp.MustCompile(`(?s)<template(\s[^>]*)?>(.*)</template>`)
	scriptBlockRegex   = regexp.MustCompile(`(?s)<script(\s[^>]*)?>(.*?)</script>`)
	styleBlockRegex    = regexp.MustCompile(`(?s)<style(\s[^>]*)?>(.*?)</style>`)
	langAttrRegex      = regexp.MustCompile(`\blang\s*=\s*["']?(\w+)`)
	exportDefaultRegex = regexp.MustCompile(`(?m)^\s*export\s+default\s+`)
	styleBlockPath     = regexp.MustCompile(`^(.*\.vue)\.style(\d+)\.(s?css)$`)
)

type componentBlock struct {
	lang    string
	content string
}

// component is a parsed single-file component
type component struct {
	template string
	script   *componentBlock
	styles   []componentBlock
}

func parseComponent(source string) *component {
	c := &component{}

	// style and script blocks may contain "<template" in strings; strip them first
	rest := source
	for _, m := range styleBlockRegex.FindAllStringSubmatch(source, -1) {
		c.styles = append(c.styles, componentBlock{lang: blockLang(m[1], "css"), content: m[2]})
	}
	rest = styleBlockRegex.ReplaceAllString(rest, "")

	if m := scriptBlockRegex.FindStringSubmatch(rest); m != nil {
		c.script = &componentBlock{lang: blockLang(m[1], "js"), content: m[2]}
		rest = scriptBlockRegex.ReplaceAllString(rest, "")
	}

	if m := templateBlockRegex.FindStringSubmatch(rest); m != nil {
		c.template = strings.TrimSpace(m[2])
	}
	return c
}

func blockLang(attrs, fallback string) string {
	if m := langAttrRegex.FindStringSubmatch(attrs); m != nil {
		return strings.ToLower(m[1])
	}
	return fallback
}

// scriptLang returns the language of the script block, "js" without one
func (c *component) scriptLang() string {
	if c.script == nil {
		return "js"
	}
	return c.script.lang
}

// module renders the component as a script module. base is the component file
// name; style blocks are imported as virtual stylesheets next to it.
func (c *component) module(base string) (string, error) {
	var b strings.Builder

	for i, style := range c.styles {
		ext := "css"
		switch style.lang {
		case "css":
		case "scss":
			ext = "scss"
		default:
			return "", fmt.Errorf("%s: unsupported style language %q", base, style.lang)
		}
		fmt.Fprintf(&b, "import %s;\n", strconv.Quote("./"+base+".style"+strconv.Itoa(i)+"."+ext))
	}

	script := ""
	if c.script != nil {
		script = c.script.content
	}
	if loc := exportDefaultRegex.FindStringIndex(script); loc != nil {
		b.WriteString(script[:loc[0]])
		b.WriteString("\nconst __component__ = ")
		b.WriteString(script[loc[1]:])
		b.WriteString("\n")
	} else {
		b.WriteString(script)
		b.WriteString("\nconst __component__ = {};\n")
	}

	if c.template != "" {
		tmpl, err := json.Marshal(c.template)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "__component__.template = %s;\n", tmpl)
	}
	b.WriteString("export default __component__;\n")
	return b.String(), nil
}

// parseStyleBlockPath splits "/src/Card.vue.style1.scss" into the component path and block index
func parseStyleBlockPath(p string) (string, int, error) {
	m := styleBlockPath.FindStringSubmatch(p)
	if m == nil {
		return "", 0, fmt.Errorf("not a component style block: %s", p)
	}
	index, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, err
	}
	return m[1], index, nil
}

// componentPlugin routes component style imports into the style namespace,
// where the rule pipeline loads them.
func componentPlugin() api.Plugin {
	return api.Plugin{
		Name: "vue-loader",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: styleBlockFilter},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{
						Path:      filepath.Join(args.ResolveDir, filepath.FromSlash(args.Path)),
						Namespace: styleNamespace,
					}, nil
				})
		},
	}
}
