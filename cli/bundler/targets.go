package bundler

import (
	"fmt"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/mass-aquaponics/assetpipe/internal/config"
)

var targets = map[string]api.Target{
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"es2021": api.ES2021,
	"es2022": api.ES2022,
	"es2023": api.ES2023,
	"es2024": api.ES2024,
	"esnext": api.ESNext,
}

var engineNames = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"node":    api.EngineNode,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

func parseTarget(s string) (api.Target, error) {
	if s == "" {
		return api.ES2015, nil
	}
	t, ok := targets[s]
	if !ok {
		return api.DefaultTarget, fmt.Errorf("unknown target %q", s)
	}
	return t, nil
}

func parseEngines(browsers []string) ([]api.Engine, error) {
	engines := make([]api.Engine, 0, len(browsers))
	for _, b := range browsers {
		name, version, err := config.ParseBrowser(b)
		if err != nil {
			return nil, err
		}
		engine, ok := engineNames[name]
		if !ok {
			return nil, fmt.Errorf("unknown browser engine %q", name)
		}
		engines = append(engines, api.Engine{Name: engine, Version: version})
	}
	return engines, nil
}
