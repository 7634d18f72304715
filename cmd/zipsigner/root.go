package main

import (
	"context"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/avast/apksigner/internal/config"
	"github.com/avast/apksigner/internal/logging"
)

const envPrefix = "ZS_"

var (
	configPath string
	logLevel   string
	logFile    string

	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:                "zipsigner",
		Short:              "Sign and verify Android packages and zip archives",
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
)

// Execute executes the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	defaultConfigPath, err := config.DefaultPath()
	if err != nil {
		defaultConfigPath = ""
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "zipsigner config file location")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "sets zipsigner log level (default from config, info)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "sets zipsigner log path. If console or empty the log goes to stderr")

	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(genkeyCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func setup(cmd *cobra.Command, _ []string) error {
	SetFlagsFromEnvVars(cmd)

	c := config.Default()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return err
		}
	}
	cfg = c

	l, err := logging.New(
		stringFlagOr(cmd, "log-level", logLevel, cfg.Log.Level),
		stringFlagOr(cmd, "log-file", logFile, cfg.Log.File),
	)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

func teardown(*cobra.Command, []string) error {
	if logger == nil {
		return nil
	}
	return logger.Close()
}

// SetFlagsFromEnvVars reads and updates flag values from environment variables with prefix ZS_
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.VisitAll(func(f *pflag.Flag) {
		envVar := FlagNameToEnvVar(f.Name, envPrefix)

		if value, present := os.LookupEnv(envVar); present {
			err := flags.Set(f.Name, value)
			if err != nil {
				log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envVar, err)
			}
		}
	})
}

// FlagNameToEnvVar converts flag name to environment var name adding a prefix,
// replacing dashes and making all uppercase (e.g. ks-pass is converted to ZS_KS_PASS)
func FlagNameToEnvVar(cmdFlag string, prefix string) string {
	parsed := strings.ReplaceAll(cmdFlag, "-", "_")
	upper := strings.ToUpper(parsed)
	return prefix + upper
}

// stringFlagOr returns the flag value if it was set on the command line or
// through the environment, and the configured value otherwise.
func stringFlagOr(cmd *cobra.Command, name, flagValue, configValue string) string {
	if cmd.Flags().Changed(name) || configValue == "" {
		return flagValue
	}
	return configValue
}

func intFlagOr(cmd *cobra.Command, name string, flagValue, configValue int) int {
	if cmd.Flags().Changed(name) || configValue == 0 {
		return flagValue
	}
	return configValue
}
