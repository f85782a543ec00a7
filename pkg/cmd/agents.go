package cmd

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/marcostork/keylime/pkg/app"
	"github.com/marcostork/keylime/pkg/store/datastore"
	"github.com/marcostork/keylime/pkg/store/datastore/entities"
	"github.com/spf13/cobra"
)

var (
	agentID        string
	agentHost      string
	agentPolicyRef string
	agentAKFile    string
)

func init() {

	agentsEnrollCmd.PersistentFlags().StringVar(&agentID, "id", "", "Agent identifier. Generated when omitted")
	agentsEnrollCmd.PersistentFlags().StringVar(&agentHost, "host", "", "The agent's host:port quote endpoint")
	agentsEnrollCmd.PersistentFlags().StringVar(&agentPolicyRef, "policy", "default", "The policy document reference for this agent")
	agentsEnrollCmd.PersistentFlags().StringVar(&agentAKFile, "ak", "", "PEM file containing the agent's attestation public key")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsEnrollCmd)
	agentsCmd.AddCommand(agentsRemoveCmd)
	rootCmd.AddCommand(agentsCmd)
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage enrolled agents",
	Long:  `Lists, enrolls and removes agents from the verification datastore`,
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists enrolled agents",
	Run: func(cmd *cobra.Command, args []string) {

		var err error
		App, err = app.NewApp().Init(InitParams)
		if err != nil {
			cmd.PrintErrln(err)
			return
		}

		err = App.AgentDAO.ForEachPage(datastore.NewPageQuery(),
			func(agents []*entities.Agent) error {
				for _, agent := range agents {
					printAgent(agent)
				}
				return nil
			})
		if err != nil {
			App.Logger.FatalError(err)
		}
	},
}

var agentsEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enrolls a new agent",
	Long: `Stores a new agent record in the registered state. The verifier
begins polling it on the next service start.`,
	Run: func(cmd *cobra.Command, args []string) {

		var err error
		App, err = app.NewApp().Init(InitParams)
		if err != nil {
			cmd.PrintErrln(err)
			return
		}

		if agentHost == "" || agentAKFile == "" {
			cmd.PrintErrln("--host and --ak are required")
			return
		}

		akPub, err := readAttestationKey(agentAKFile)
		if err != nil {
			App.Logger.FatalError(err)
		}

		if agentID == "" {
			agentID = uuid.NewString()
		}

		agent := entities.NewAgent(agentID, agentHost, akPub, agentPolicyRef)
		if err := App.AgentDAO.Save(agent); err != nil {
			App.Logger.FatalError(err)
		}

		color.Green("Enrolled agent %s", agent.ID)
	},
}

var agentsRemoveCmd = &cobra.Command{
	Use:   "remove [agent-id]",
	Short: "Removes an enrolled agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {

		var err error
		App, err = app.NewApp().Init(InitParams)
		if err != nil {
			cmd.PrintErrln(err)
			return
		}

		agent, err := App.AgentDAO.Get(args[0])
		if err != nil {
			App.Logger.FatalError(err)
		}
		if err := App.AgentDAO.Delete(agent); err != nil {
			App.Logger.FatalError(err)
		}

		color.Yellow("Removed agent %s", agent.ID)
	},
}

func printAgent(agent *entities.Agent) {
	stateColor := color.New(color.FgGreen)
	switch agent.State {
	case entities.AgentStateRegistered:
		stateColor = color.New(color.FgYellow)
	case entities.AgentStateFailed:
		stateColor = color.New(color.FgRed)
	}
	fmt.Printf("%s  %s  policy=%s  offset=%d  failures=%d  %s\n",
		agent.ID,
		stateColor.Sprint(agent.State),
		agent.PolicyRef,
		agent.LogOffset,
		agent.FailureCount,
		agent.Host)
}

// readAttestationKey loads a PEM encoded public key and normalizes it
// to the DER form stored on the agent record.
func readAttestationKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("cmd: %s is not PEM encoded", path)
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("cmd: %s does not contain a public key: %w", path, err)
	}
	return block.Bytes, nil
}
