package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/vecsched/internal/scheduler/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/scheduler"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "Schedules vector index builds and searches across cpus and accelerators",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	if err := viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation)); err != nil {
		panic(err)
	}

	cmd.AddCommand(
		runCmd(),
		simulateCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, *viper.Viper, error) {
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)
	return configuration.Load(defaultConfigPath, userSpecifiedConfigs)
}
