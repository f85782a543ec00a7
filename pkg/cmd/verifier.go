package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcostork/keylime/pkg/app"
	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(verifierCmd)
}

var verifierCmd = &cobra.Command{
	Use:   "verifier",
	Short: "Starts the verification service",
	Long: `Schedules a verification loop for every enrolled agent and runs
until interrupted. Agents that fail verification are revoked and
unscheduled; re-enrollment is required to verify them again.`,
	Run: func(cmd *cobra.Command, args []string) {

		var err error
		App, err = app.NewApp().Init(InitParams)
		if err != nil {
			cmd.PrintErrln(err)
			return
		}

		scheduler, err := App.NewVerificationService()
		if err != nil {
			App.Logger.FatalError(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Schedule every enrolled agent that is not already failed
		scheduled := 0
		err = App.AgentDAO.ForEachPage(datastore.NewPageQuery(),
			func(agents []*entities.Agent) error {
				for _, agent := range agents {
					if agent.State == entities.AgentStateFailed {
						continue
					}
					scheduler.Add(ctx, agent.ID)
					scheduled++
				}
				return nil
			})
		if err != nil {
			App.Logger.FatalError(err)
		}
		App.Logger.Infof("Verifying %d enrolled agents", scheduled)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs

		App.Logger.Info("Shutting down, waiting for in-flight cycles")
		cancel()
		scheduler.Shutdown()
	},
}
