package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cliconfig "github.com/mass-aquaponics/assetpipe/cli/config"
	"github.com/mass-aquaponics/assetpipe/cli/output"
	"github.com/mass-aquaponics/assetpipe/cli/util"
	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/stats"
	"github.com/mass-aquaponics/assetpipe/internal/storage"
)

var (
	publishLocalDir     string
	publishCacheControl string
	publishConcurrency  int
	publishAllowFailed  bool

	loginAccessKey string
	loginSecretKey string
)

var publishCmd = &cobra.Command{
	Use:   "publish [app...]",
	Short: "Upload built bundles to object storage",
	Long: `Upload the built bundles of the given applications, or of every application, to
an S3-compatible bucket under <prefix>/<app>/. Files already stored with the same
checksum are skipped.

The endpoint and bucket come from the publish settings. Access keys are read from
the settings or, when missing there, from the system keychain (see 'publish login').

Examples:
  assetpipe publish
  assetpipe publish home --concurrency 8
  assetpipe publish --local ./cdn`,
	PreRunE:           loadSettings,
	ValidArgsFunction: appNames,
	RunE:              runPublish,
}

var publishLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store publish credentials in the system keychain",
	Long: `Store the access keys of the publish endpoint in the system keychain so they do
not have to be kept in the settings file.

Examples:
  assetpipe publish login
  assetpipe publish login --access-key AKIA... --secret-key ...`,
	PreRunE: loadSettings,
	RunE:    runPublishLogin,
}

var publishLogoutCmd = &cobra.Command{
	Use:     "logout",
	Short:   "Remove publish credentials from the system keychain",
	PreRunE: loadSettings,
	RunE:    runPublishLogout,
}

func init() {
	publishCmd.Flags().StringVar(&publishLocalDir, "local", "", "publish into this directory instead of the bucket")
	publishCmd.Flags().StringVar(&publishCacheControl, "cache-control", storage.DefaultCacheControl, "Cache-Control of uploaded files")
	publishCmd.Flags().IntVar(&publishConcurrency, "concurrency", 4, "number of parallel uploads")
	publishCmd.Flags().BoolVar(&publishAllowFailed, "allow-failed", false, "publish even when the last build did not succeed")

	publishLoginCmd.Flags().StringVar(&loginAccessKey, "access-key", "", "access key")
	publishLoginCmd.Flags().StringVar(&loginSecretKey, "secret-key", "", "secret key")

	publishCmd.AddCommand(publishLoginCmd)
	publishCmd.AddCommand(publishLogoutCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	configs, err := resolveConfigs(args)
	if err != nil {
		return err
	}

	store, err := publishStorage()
	if err != nil {
		return err
	}

	bucket := settings.Publish.Bucket
	if publishLocalDir != "" && bucket == "" {
		bucket = "static"
	}
	publisher := storage.NewPublisher(store, bucket, settings.Publish.Prefix,
		storage.WithCacheControl(publishCacheControl),
		storage.WithConcurrency(publishConcurrency),
	)

	ctx := commandContext(cmd)
	data := output.TableData{
		Headers:      []string{"APP", "KEY", "SIZE", "CONTENT TYPE", "STATUS"},
		RightAligned: []string{"SIZE"},
	}
	var uploaded, skipped int
	for _, bc := range configs {
		if err := checkBuilt(bc); err != nil {
			return err
		}

		files, err := publisher.Publish(ctx, bc.App, bc.OutputDir())
		if err != nil {
			return fmt.Errorf("failed to publish %q: %w", bc.App, err)
		}

		for _, f := range files {
			status := "uploaded"
			if f.Skipped {
				status = "unchanged"
				skipped++
			} else {
				uploaded++
			}
			data.Rows = append(data.Rows, []string{bc.App, f.Key, util.FormatBytes(f.Size), f.ContentType, status})
		}
	}

	log.Info().
		Str("bucket", bucket).
		Int("uploaded", uploaded).
		Int("unchanged", skipped).
		Msg("Published bundles")
	GetFormatter().PrintTable(data)
	return nil
}

// checkBuilt refuses to publish an application whose last build failed
func checkBuilt(bc *bundleconfig.Config) error {
	p := bc.StatsPath()
	if p == "" || publishAllowFailed {
		return nil
	}

	f, err := stats.Load(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("application %q has not been built yet, run 'assetpipe build %s' first", bc.App, bc.App)
		}
		return err
	}
	if f.Status != stats.StatusDone {
		return fmt.Errorf("last build of %q is %s, not publishing (use --allow-failed to override)", bc.App, f.Status)
	}
	return nil
}

// publishStorage returns the storage provider bundles are published to
func publishStorage() (storage.Provider, error) {
	if publishLocalDir != "" {
		return storage.NewLocalStorage(publishLocalDir)
	}

	pc := settings.Publish
	if pc.AccessKey == "" || pc.SecretKey == "" {
		creds, err := cliconfig.NewKeychainStore().Load(pc.Endpoint)
		if err != nil {
			log.Debug().Err(err).Msg("Keychain unavailable")
		} else if creds != nil {
			pc.AccessKey, pc.SecretKey = creds.AccessKey, creds.SecretKey
			log.Debug().Str("endpoint", pc.Endpoint).Msg("Using publish credentials from keychain")
		}
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}

	return storage.NewS3Storage(pc.Endpoint, pc.AccessKey, pc.SecretKey, pc.Region, pc.UseSSL)
}

func runPublishLogin(cmd *cobra.Command, args []string) error {
	endpoint := settings.Publish.Endpoint
	if endpoint == "" {
		return errors.New("publish.endpoint is not set")
	}

	keychain := cliconfig.NewKeychainStore()
	if !keychain.IsAvailable() {
		return errors.New("no system keychain is available; set publish.access_key and publish.secret_key instead")
	}

	creds := &cliconfig.PublishCredentials{AccessKey: loginAccessKey, SecretKey: loginSecretKey}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		if !util.IsInteractive() {
			return errors.New("--access-key and --secret-key are required when not running interactively")
		}
	}

	var err error
	if creds.AccessKey == "" {
		if creds.AccessKey, err = util.ReadLine("Access key: "); err != nil {
			return err
		}
	}
	if creds.SecretKey == "" {
		if creds.SecretKey, err = util.ReadPassword("Secret key: "); err != nil {
			return err
		}
	}
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return errors.New("access key and secret key cannot be empty")
	}

	if err := keychain.Save(endpoint, creds); err != nil {
		return err
	}
	GetFormatter().PrintSuccess(fmt.Sprintf("Credentials for %s stored in keychain (access key %s)", endpoint, util.MaskToken(creds.AccessKey)))
	return nil
}

func runPublishLogout(cmd *cobra.Command, args []string) error {
	endpoint := settings.Publish.Endpoint
	if endpoint == "" {
		return errors.New("publish.endpoint is not set")
	}

	if err := cliconfig.NewKeychainStore().Delete(endpoint); err != nil {
		return err
	}
	GetFormatter().PrintSuccess(fmt.Sprintf("Credentials for %s removed from keychain", endpoint))
	return nil
}
