package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/diycloud/usermgmt/internal/config"
	applog "github.com/diycloud/usermgmt/internal/log"
)

var (
	cfg        *config.Config
	logger     zerolog.Logger
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "usermgmt",
	Short: "Account and quota control plane for a shared compute host",
	Long: `usermgmt manages operating-system backed accounts on a shared host.
It authenticates users, keeps account and quota records, applies quotas
through host tooling and reports per-account resource usage over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger = applog.New(cfg.Environment, cfg.Debug)
		return nil
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to a YAML, TOML or JSON config file")
	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (env: USERMGMT_DATABASE_URL)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (env: USERMGMT_SERVER_ADDR)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (env: USERMGMT_DEBUG)")

	bindFlag("database_url", "db-url")
	bindFlag("server_addr", "server-addr")
	bindFlag("debug", "debug")
}

// bindFlag lets an explicitly set flag override file and environment values.
func bindFlag(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
