package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/marcostork/keylime/pkg/app"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	App        *app.App
	InitParams *app.AppInitParams
)

var rootCmd = &cobra.Command{
	Use:   app.Name,
	Short: "Remote attestation verification service",
	Long: `The Keylime verifier continuously proves that a population of remote
machines, each equipped with a TPM 2.0 trust anchor, remain in a
known-good software state. For each enrolled agent it periodically
obtains a signed quote and an incremental measurement log, validates
their authenticity and freshness, evaluates the measured events against
tenant policy, and revokes trust in any agent that fails verification.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
	},
	Run: func(cmd *cobra.Command, args []string) {
	},
	TraverseChildren: true,
}

func init() {

	InitParams = &app.AppInitParams{}

	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	platformDir := fmt.Sprintf("%s/%s", wd, "verifier-data")
	rootCmd.PersistentFlags().BoolVarP(&InitParams.Debug, "debug", "d", false, "Enable debug mode")
	rootCmd.PersistentFlags().StringVarP(&InitParams.PlatformDir, "platform-dir", "", platformDir, "Verifier home directory where data is stored")
	rootCmd.PersistentFlags().StringVarP(&InitParams.ConfigDir, "config-dir", "", fmt.Sprintf("/etc/%s", app.Name), "Configuration file directory")
	rootCmd.PersistentFlags().StringVarP(&InitParams.LogDir, "log-dir", "", "verifier-data/log", "Log directory")

	viper.BindPFlags(rootCmd.PersistentFlags())
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
	return nil
}
