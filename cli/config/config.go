// Package config reads and writes the build plan of the assetpipe CLI.
//
// The plan file lists the applications of a project together with their entry
// files; every application becomes one bundle configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
)

// Version is the plan file format version
const Version = "1"

// DefaultPlanFile is the plan file name looked up in the project root
const DefaultPlanFile = "assetpipe.yaml"

// ErrUnknownApp is returned when an application is not part of the plan
var ErrUnknownApp = errors.New("unknown application")

// Plan represents the plan file
type Plan struct {
	// Version of the plan file format
	Version string `yaml:"version"`

	// Apps lists the applications, built in this order
	Apps []App `yaml:"apps"`
}

// App is one application of the plan
type App struct {
	// Name is the application directory under the project root
	Name string `yaml:"name"`

	// Entries are entry files relative to <name>/static/src; empty means main.js
	Entries []string `yaml:"entries,omitempty"`

	// PublicPath is the URL prefix the bundles are served under
	PublicPath string `yaml:"public_path,omitempty"`
}

// DefaultPlanPath returns the plan file path inside root
func DefaultPlanPath(root string) string {
	return filepath.Join(root, DefaultPlanFile)
}

// New creates the plan of the built-in default build
func New() *Plan {
	configs := bundleconfig.DefaultPlan()
	plan := &Plan{Version: Version, Apps: make([]App, 0, len(configs))}
	for _, c := range configs {
		plan.Apps = append(plan.Apps, AppFromConfig(c))
	}
	return plan
}

// AppFromConfig recovers the plan entry of a bundle configuration
func AppFromConfig(c *bundleconfig.Config) App {
	app := App{Name: c.App, PublicPath: c.Output.PublicPath}
	prefix := "./" + path.Join(c.App, bundleconfig.SourceDir) + "/"
	for _, e := range c.Entry {
		app.Entries = append(app.Entries, strings.TrimPrefix(e.Import, prefix))
	}
	return app
}

// Load reads the plan from the specified path
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("plan file not found at %s - run 'assetpipe config init' to create one: %w", path, err)
		}
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	if plan.Version == "" {
		plan.Version = Version
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan file %s: %w", path, err)
	}
	return &plan, nil
}

// LoadOrDefault reads the plan, or returns the default plan when the file doesn't exist
func LoadOrDefault(path string) (*Plan, error) {
	plan, err := Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, err
	}
	return plan, nil
}

// Save writes the plan to the specified path
func (p *Plan) Save(path string) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create plan directory: %w", err)
	}

	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil { //nolint:gosec // the plan file is checked in with the project
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}

// Validate checks the plan for unsupported versions and bad application names
func (p *Plan) Validate() error {
	if p.Version != Version {
		return fmt.Errorf("unsupported plan version %q (expected %q)", p.Version, Version)
	}

	seen := make(map[string]bool, len(p.Apps))
	for i, app := range p.Apps {
		if app.Name == "" {
			return fmt.Errorf("app %d: name cannot be empty", i)
		}
		if strings.ContainsAny(app.Name, `/\`) || app.Name == "." || app.Name == ".." {
			return fmt.Errorf("app %q: name must be a single directory name", app.Name)
		}
		if seen[app.Name] {
			return fmt.Errorf("app %q is listed more than once", app.Name)
		}
		seen[app.Name] = true
	}
	return nil
}

// Names returns the application names in plan order
func (p *Plan) Names() []string {
	names := make([]string, 0, len(p.Apps))
	for _, app := range p.Apps {
		names = append(names, app.Name)
	}
	return names
}

// Config builds the bundle configuration of one application
func (a App) Config() (*bundleconfig.Config, error) {
	c, err := bundleconfig.Build(a.Name, a.Entries...)
	if err != nil {
		return nil, err
	}
	c.Output.PublicPath = a.PublicPath
	return c, nil
}

// Configs builds the bundle configurations of the named applications, or of all
// applications when no names are given. Configurations are returned in plan order.
func (p *Plan) Configs(names ...string) ([]*bundleconfig.Config, error) {
	apps := p.Apps
	if len(names) > 0 {
		wanted := make(map[string]bool, len(names))
		for _, name := range names {
			wanted[name] = true
		}

		apps = nil
		for _, app := range p.Apps {
			if wanted[app.Name] {
				apps = append(apps, app)
				delete(wanted, app.Name)
			}
		}
		for _, name := range names {
			if wanted[name] {
				return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownApp, name, strings.Join(p.Names(), ", "))
			}
		}
	}

	configs := make([]*bundleconfig.Config, 0, len(apps))
	for _, app := range apps {
		c, err := app.Config()
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, nil
}
