package bundler

import (
	"regexp"
	"sort"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

type aliasMarker struct{}

// aliasPlugin substitutes import paths. A key ending in "$" only matches the
// import exactly; any other key also matches its sub-paths ("vue/x" for "vue").
func aliasPlugin(aliases map[string]string) api.Plugin {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return api.Plugin{
		Name: "resolve-alias",
		Setup: func(build api.PluginBuild) {
			for _, key := range keys {
				target := aliases[key]
				exact := strings.HasSuffix(key, "$")
				name := strings.TrimSuffix(key, "$")

				filter := "^" + regexp.QuoteMeta(name) + "$"
				if !exact {
					filter = "^" + regexp.QuoteMeta(name) + "(/.*)?$"
				}

				build.OnResolve(api.OnResolveOptions{Filter: filter},
					func(args api.OnResolveArgs) (api.OnResolveResult, error) {
						// imports produced by this plugin are resolved normally
						if _, ok := args.PluginData.(aliasMarker); ok {
							return api.OnResolveResult{}, nil
						}

						res := build.Resolve(target+strings.TrimPrefix(args.Path, name), api.ResolveOptions{
							Importer:   args.Importer,
							ResolveDir: args.ResolveDir,
							Kind:       args.Kind,
							PluginData: aliasMarker{},
						})
						if len(res.Errors) > 0 {
							return api.OnResolveResult{Errors: res.Errors}, nil
						}
						return api.OnResolveResult{
							Path:       res.Path,
							Namespace:  res.Namespace,
							External:   res.External,
							Suffix:     res.Suffix,
							PluginData: res.PluginData,
						}, nil
					})
			}
		},
	}
}
