package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alpacahq/alpaca-bridge-go/internal/config"
)

// Exit codes: 0 orderly shutdown, 1 fatal configuration or authentication
// error, 2 fatal I/O error during startup.
const (
	exitConfig = 1
	exitIO     = 2
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "alpaca-bridge",
	Short: "Bridge between Alpaca market data / order APIs and a local trading engine",
	Long: `alpaca-bridge connects Alpaca's streaming bar feed and REST order API
to an in-process trading engine over three named pipes: bars out,
order requests in, order responses out. In replay mode the bar stream
is reproduced from stored results instead of the live feed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(configPath); err != nil {
			return err
		}

		logrus.SetOutput(os.Stderr)
		logrus.SetReportCaller(config.Env.Log.ShowCaller)

		logLevel, err := logrus.ParseLevel(config.Env.Log.Level)
		if err != nil {
			return err
		}
		logrus.SetLevel(logLevel)

		return nil
	},
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfig)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: ./config.yml)")
}
