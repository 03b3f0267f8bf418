package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/mass-aquaponics/assetpipe/cli/config"
	"github.com/mass-aquaponics/assetpipe/cli/output"
	"github.com/mass-aquaponics/assetpipe/cli/util"
	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
)

var configInitForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the build plan",
	Long:  `View the bundle configurations and manage the plan file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the plan file",
	Long: `Create assetpipe.yaml listing the default applications.

Examples:
  assetpipe config init
  assetpipe config init --root ./project --force`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show [app...]",
	Short: "Display bundle configurations",
	Long: `Show the bundle configuration built for each application: entries, output,
plugins, module resolution and loader rules.

Examples:
  assetpipe config show
  assetpipe config show home --output yaml`,
	PreRunE:           loadSettings,
	ValidArgsFunction: appNames,
	RunE:              runConfigShow,
}

var configAppsCmd = &cobra.Command{
	Use:     "apps",
	Short:   "List the applications of the plan",
	PreRunE: loadSettings,
	RunE:    runConfigApps,
}

var configSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Display the effective settings",
	Long: `Show the settings after merging the settings file, .env files and ASSETPIPE_*
environment variables. Secrets are masked.`,
	PreRunE: loadSettings,
	RunE:    runConfigSettings,
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing plan file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configAppsCmd)
	configCmd.AddCommand(configSettingsCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	planPath := GetPlanPath()

	if _, err := os.Stat(planPath); err == nil && !configInitForce {
		return fmt.Errorf("plan file already exists at %s (use --force to overwrite)", planPath)
	}

	if err := cliconfig.New().Save(planPath); err != nil {
		return fmt.Errorf("failed to create plan file: %w", err)
	}

	formatter := GetFormatter()
	formatter.PrintSuccess(fmt.Sprintf("Plan file created at: %s", planPath))
	formatter.PrintInfo("Run 'assetpipe build' to build the bundles.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configs, err := resolveConfigs(args)
	if err != nil {
		return err
	}

	formatter := GetFormatter()
	if len(configs) == 1 {
		return formatter.Print(configs[0])
	}

	byApp := make(map[string]any, len(configs))
	for _, c := range configs {
		byApp[c.App] = c
	}
	return formatter.Print(byApp)
}

func runConfigApps(cmd *cobra.Command, args []string) error {
	plan, err := loadPlan()
	if err != nil {
		return err
	}

	data := output.TableData{Headers: []string{"APP", "ENTRIES", "PUBLIC PATH"}}
	for _, app := range plan.Apps {
		entries := "(default) " + strings.Join(bundleconfig.DefaultEntryFiles, ", ")
		if len(app.Entries) > 0 {
			entries = strings.Join(app.Entries, ", ")
		}
		data.Rows = append(data.Rows, []string{app.Name, entries, app.PublicPath})
	}
	GetFormatter().PrintTable(data)
	return nil
}

func runConfigSettings(cmd *cobra.Command, args []string) error {
	if settings == nil {
		return errors.New("settings not loaded")
	}

	masked := *settings
	if masked.Publish.AccessKey != "" {
		masked.Publish.AccessKey = util.MaskToken(masked.Publish.AccessKey)
	}
	if masked.Publish.SecretKey != "" {
		masked.Publish.SecretKey = "****"
	}
	return GetFormatter().Print(masked)
}
