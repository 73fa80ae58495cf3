package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/collab/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "collab",
		Short:        "Realtime chat and shared notes client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newProfileCommand(),
		newSignUpCommand(),
		newLoginCommand(),
		newLogoutCommand(),
		newDashboardCommand(),
		newChatCommand(),
		newNotesCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewClientViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	flags.String("api-url", defaults.GetString("api.url"), "Base URL of the collab API")
	flags.String("api-key", defaults.GetString("api.key"), "Public API key")
	flags.String("state-path", defaults.GetString("state.path"), "Local state file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.Duration("debounce", defaults.GetDuration("editor.debounce"), "Quiet period before a note auto-saves")
	flags.Int("history-limit", defaults.GetInt("chat.history_limit"), "Chat messages loaded on open")
	flags.String("variant", defaults.GetString("app.variant"), "Identity flow (anonymous, authenticated)")

	bindFlag(cmd, "api.url", "api-url")
	bindFlag(cmd, "api.key", "api-key")
	bindFlag(cmd, "state.path", "state-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "editor.debounce", "debounce")
	bindFlag(cmd, "chat.history_limit", "history-limit")
	bindFlag(cmd, "app.variant", "variant")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
