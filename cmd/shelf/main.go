// Command shelf is the shelfsync CLI: it mirrors locally-owned
// organizer documents (the dashboard folder tree and per-notebook
// trees) to a remote object store, reconciling conflicts
// last-write-wins on owner-stamped modification times.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shelf",
	Short: "Sync organizer documents to cloud storage",
	Long: `shelfsync mirrors your dashboard and notebook organizer documents
to a private remote storage namespace, so every device sees the same
folders and tasks.

Conflicts are resolved last-write-wins per document, using the
modification time stamped by whichever editor last changed the
document. Changes made while offline are queued and pushed when
connectivity returns.`,
}

func main() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"data directory (default is ~/.shelfsync)")
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initConfig loads configuration from file and environment.
func initConfig() {
	viper.SetDefault("data_dir", defaultDataDir())
	viper.SetDefault("remote.namespace", "appData")
	viper.SetDefault("sync.debounce", "2s")
	viper.SetDefault("sync.cooldown", "5s")
	viper.SetDefault("sync.auto_interval", "5m")
	viper.SetDefault("connectivity.probe_interval", "15s")
	viper.SetDefault("dashboard.port", 7850)
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(viper.GetString("data_dir"))
	}

	viper.SetEnvPrefix("SHELFSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is worth a warning.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
}

// defaultDataDir returns ~/.shelfsync, falling back to the working
// directory when the home directory cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shelfsync"
	}
	return filepath.Join(home, ".shelfsync")
}
