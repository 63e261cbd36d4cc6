package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/lamrim/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "lamrim",
		Short:         "Lamrim reader progress, notes and settings",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newProgressCommand(),
		newNotesCommand(),
		newSettingsCommand(),
		newTOCCommand(),
		newWatchCommand(),
		newSyncCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Directory holding local reader state")
	cmd.PersistentFlags().String("store", defaults.GetString("store.backend"), "Local store backend (sqlite, file)")
	cmd.PersistentFlags().String("remote", "", "Document store URL; empty keeps everything local")
	cmd.PersistentFlags().String("token", "", "Device token for the document store")
	cmd.PersistentFlags().String("user", "", "User identifier (defaults to the token subject)")
	cmd.PersistentFlags().Bool("anonymous", false, "Treat the user as anonymous and never sync")
	cmd.PersistentFlags().String("log-level", defaults.GetString("client.log_level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Write logs to a rotated file instead of stderr")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Attempts per remote write")
	cmd.PersistentFlags().Duration("base-delay", defaults.GetDuration("sync.base_delay"), "Initial retry delay for remote writes")
	cmd.PersistentFlags().Float64("writes-per-second", defaults.GetFloat64("sync.writes_per_second"), "Remote write rate limit (0 disables)")

	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "store.backend", "store")
	bindFlag(cmd, "remote.url", "remote")
	bindFlag(cmd, "remote.token", "token")
	bindFlag(cmd, "user.id", "user")
	bindFlag(cmd, "user.anonymous", "anonymous")
	bindFlag(cmd, "client.log_level", "log-level")
	bindFlag(cmd, "client.log_file", "log-file")
	bindFlag(cmd, "sync.max_attempts", "max-attempts")
	bindFlag(cmd, "sync.base_delay", "base-delay")
	bindFlag(cmd, "sync.writes_per_second", "writes-per-second")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(config.DefaultDataDir())
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
