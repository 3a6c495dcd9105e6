package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/slidediscuss/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
	slides  []int
	current int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "discussctl",
		Short: "Read and write slide discussions from the terminal",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newShowCommand(),
		newPostCommand(),
		newDeleteCommand(),
		newFlagCommand(),
		newCloseCommand(),
		newStatsCommand(),
		newWatchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	flags.IntSliceVar(&slides, "slides", []int{1}, "Slides that carry a discussion, in discussion order")
	flags.IntVar(&current, "current-slide", 0, "Slide treated as currently displayed")
	flags.String("site", defaults.GetString("client.site_url"), "Host base URL")
	flags.String("token", "", "Session access token")
	flags.String("session", "", "Presentation session name")
	flags.String("user", "", "Your canonical user id")
	flags.String("admin-user", "", "User id of the session administrator")
	flags.Bool("yes", false, "Accept every confirmation prompt")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.site_url", "site")
	bindFlag(cmd, "client.access_token", "token")
	bindFlag(cmd, "client.session", "session")
	bindFlag(cmd, "client.user_id", "user")
	bindFlag(cmd, "client.admin_user_id", "admin-user")
	bindFlag(cmd, "client.assume_yes", "yes")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
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
