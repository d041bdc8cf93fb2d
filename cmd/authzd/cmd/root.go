package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terraconstructs/authzd/internal/config"
)

var cfg *config.Config

// Version information (set by main package via SetVersion)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "authzd",
	Short: "authzd resolves and serves per-user effective permissions",
	Long: `authzd pulls resource inventories and their group-based access rules
from external systems-of-record, pulls user role memberships from an identity
provider, computes each user's effective permission set, and serves it over
a short read surface backed by a relational or remote key-value repository.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "Config file path (YAML - overrides default search)")
	viper.BindPFlag("config_file", rootCmd.PersistentFlags().Lookup("config"))

	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (AUTHZD_DATABASE_URL)")
	rootCmd.PersistentFlags().String("server-addr", "", "Server bind address (AUTHZD_SERVER_ADDR)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging (AUTHZD_DEBUG)")
	rootCmd.PersistentFlags().Int("max-db-connections", 0, "Max DB connections (AUTHZD_MAX_DB_CONNECTIONS)")
	rootCmd.PersistentFlags().String("repository-backend", "", "Repository backend: inMemory|relational|remoteKV|dual (AUTHZD_REPOSITORY_BACKEND)")

	viper.BindPFlag("config_file", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("database_url", rootCmd.PersistentFlags().Lookup("db-url"))
	viper.BindPFlag("server_addr", rootCmd.PersistentFlags().Lookup("server-addr"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("max_db_connections", rootCmd.PersistentFlags().Lookup("max-db-connections"))
	viper.BindPFlag("repository.backend", rootCmd.PersistentFlags().Lookup("repository-backend"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig initializes Viper configuration from config files and
// the AUTHZD_-prefixed environment.
func initConfig() {
	viper.SetEnvPrefix("authzd")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile := viper.GetString("config_file"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("authzd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.authzd")
		viper.AddConfigPath("/etc/authzd")
	}

	_ = viper.ReadInConfig()
}

// GetConfig returns the loaded configuration. Must be called after the
// root command's PersistentPreRunE has executed.
func GetConfig() *config.Config {
	return cfg
}

// SetVersion sets version information from the main package.
func SetVersion(v, c, d, b string) {
	version = v
	commit = c
	date = d
	builtBy = b
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("authzd version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built: %s\n", date)
		fmt.Printf("  by: %s\n", builtBy)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
