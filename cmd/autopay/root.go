package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "autopay",
		Short:         "Recurring-charge autopay engine",
		Long:          "autopay charges due subscribers once per cycle, retries failed charges on a bounded schedule and reconciles attempts left pending by the gateway.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	pf.String("driver", "", "store driver: memory, sqlite, postgres, mongo")
	pf.String("dsn", "", "store connection string or sqlite path")
	pf.String("gateway", "", "payment gateway: sandbox, stripe")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text, json")

	for key, flag := range map[string]string{
		"store.driver":     "driver",
		"store.dsn":        "dsn",
		"gateway.provider": "gateway",
		"log.level":        "log-level",
		"log.format":       "log-format",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag)) //nolint:errcheck // flags are defined above
	}

	load := func() (*settings, error) { return loadSettings(v, configFile) }

	rootCmd.AddCommand(
		newRunCmd(load),
		newReconcileCmd(load),
		newMigrateCmd(load),
		newAttemptsCmd(load),
		newVersionCmd(),
	)

	return rootCmd
}
