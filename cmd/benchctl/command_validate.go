package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sourceplane/benchctl/internal/agent"
	"github.com/sourceplane/benchctl/internal/assemble"
	"github.com/sourceplane/benchctl/internal/loader"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate and print the assembled configuration",
	Long:  "Load, merge, and assemble the configuration without contacting any agent, then print the result as indented JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfiguration()
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)
}

func validateConfiguration() error {
	variables, err := parseVariables(variableFlags)
	if err != nil {
		return err
	}

	fmt.Println("□ Assembling configuration...")
	assembly, err := assemble.Assemble(loader.New(agent.NewClient()), assemble.Options{
		Sources:   configSources,
		Scenario:  scenarioName,
		Jobs:      jobNames,
		Profiles:  profileNames,
		Variables: variables,
		RunID:     uuid.NewString(),
	})
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(assembly.Tree, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	fmt.Println(string(data))
	fmt.Println("✓ Configuration is valid")
	return nil
}
