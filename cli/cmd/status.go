package cmd

import (
	"errors"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mass-aquaponics/assetpipe/cli/output"
	"github.com/mass-aquaponics/assetpipe/cli/util"
	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/stats"
)

// statusNotBuilt is shown for applications without a tracking file
const statusNotBuilt = "not built"

var statusCmd = &cobra.Command{
	Use:   "status [app...]",
	Short: "Show the state of the last build",
	Long: `Read the tracking file of each application and show whether its last build
is compiling, done or failed.

Examples:
  assetpipe status
  assetpipe status home -o json`,
	PreRunE:           loadSettings,
	ValidArgsFunction: appNames,
	RunE:              runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	configs, err := resolveConfigs(args)
	if err != nil {
		return err
	}

	data, err := statusTable(configs)
	if err != nil {
		return err
	}
	GetFormatter().PrintTable(data)
	return nil
}

func statusTable(configs []*bundleconfig.Config) (output.TableData, error) {
	data := output.TableData{
		Headers:      []string{"APP", "STATUS", "BUNDLES", "SIZE", "MESSAGE"},
		RightAligned: []string{"BUNDLES", "SIZE"},
	}
	for _, bc := range configs {
		row, err := statusRow(bc)
		if err != nil {
			return data, err
		}
		data.Rows = append(data.Rows, row)
	}
	return data, nil
}

func statusRow(bc *bundleconfig.Config) ([]string, error) {
	p := bc.StatsPath()
	if p == "" {
		return []string{bc.App, "untracked", "", "", "no bundle tracker configured"}, nil
	}

	f, err := stats.Load(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{bc.App, statusNotBuilt, "", "", ""}, nil
		}
		return nil, err
	}

	var size int64
	for _, chunks := range f.Chunks {
		for _, c := range chunks {
			if info, err := os.Stat(c.Path); err == nil {
				size += info.Size()
			}
		}
	}

	message := f.Message
	if f.Error != "" {
		message = f.Error + ": " + f.Message
	}

	bundles := ""
	sizeText := ""
	if f.Status == stats.StatusDone {
		bundles = strconv.Itoa(len(f.Chunks))
		sizeText = util.FormatBytes(size)
	}
	return []string{bc.App, string(f.Status), bundles, sizeText, util.TruncateString(message, 80)}, nil
}
