package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nordicsemi/go-secure-dfu/internal/dfuconfig"
)

var (
	configPath string
	logLevel   string

	cfg *dfuconfig.Config
)

var rootCmd = &cobra.Command{
	Use:   "nrfdfu",
	Short: "Nordic Secure DFU client",
	Long: `nrfdfu drives a Nordic Secure DFU bootloader target over BLE GATT.

It scans for a device advertising the Secure DFU service, connects, and
pushes an update package (a ZIP archive of manifest.json plus init packets
and firmware images) through the four fixed update slots: softdevice,
bootloader, softdevice_bootloader, application.`,
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig()
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		configureLogging(cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/nrfdfu/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*dfuconfig.Config, error) {
	path := configPath
	if path == "" {
		path = dfuconfig.DefaultConfigPath()
	}
	return dfuconfig.Load(path)
}

func configureLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
