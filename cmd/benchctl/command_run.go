package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/sourceplane/benchctl/internal/agent"
	"github.com/sourceplane/benchctl/internal/assemble"
	"github.com/sourceplane/benchctl/internal/engine"
	"github.com/sourceplane/benchctl/internal/loader"
	"github.com/sourceplane/benchctl/internal/store"
)

// pendingOverrides holds the dotted-path overrides extracted from unknown
// flag pairs before cobra parses the run arguments.
var pendingOverrides []assemble.Override

// exitCode carries the engine's accumulated return code to main.
var exitCode int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario against its agents",
	Long:  "Assemble the configuration, drive the selected jobs through their lifecycle on the configured agent endpoints, and write the aggregated results.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBenchmarks(cmd)
	},
}

func registerRunCommand(root *cobra.Command) {
	root.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Result file path (JSON)")
	runCmd.Flags().StringArrayVar(&propertyFlags, "property", nil, "Result property K=V (repeatable)")
	runCmd.Flags().StringVar(&sessionID, "session", "", "Session identifier (default: fresh random identifier)")
	runCmd.Flags().StringVar(&description, "description", "", "Run description")
	runCmd.Flags().IntVar(&iterations, "iterations", 1, "Number of iterations per pass")
	runCmd.Flags().StringVar(&spanFlag, "span", "", "Wall-clock span HH:MM:SS during which passes repeat")
	runCmd.Flags().StringVar(&repeatAnchor, "repeat", "", "Job before which dependencies stay running across passes")
	runCmd.Flags().BoolVar(&autoFlush, "auto-flush", false, "Stream one result document per measurement delimiter")
	runCmd.Flags().BoolVar(&noMeasure, "no-measurements", false, "Strip raw measurements from results")
	runCmd.Flags().BoolVar(&noMetadata, "no-metadata", false, "Strip measurement metadata from results")
	runCmd.Flags().StringVar(&sqlConnection, "sql", "", "Database connection string (or the name of an environment variable holding one)")
	runCmd.Flags().StringVar(&sqlTable, "table", store.DefaultTable, "Database table for results")
	runCmd.Flags().StringArrayVar(&compareFiles, "compare", nil, "Result file to compare against (reserved, repeatable)")
}

func runBenchmarks(cmd *cobra.Command) error {
	if cmd.Flags().Changed("iterations") && spanFlag != "" {
		return fmt.Errorf("--iterations and --span are mutually exclusive")
	}
	if scenarioName == "" && len(jobNames) == 0 {
		return fmt.Errorf("nothing to run: provide --scenario or --job")
	}

	span, err := parseSpan(spanFlag)
	if err != nil {
		return err
	}
	variables, err := parseVariables(variableFlags)
	if err != nil {
		return err
	}
	properties, err := parseKeyValues(propertyFlags)
	if err != nil {
		return err
	}

	session := sessionID
	if session == "" {
		session = uuid.NewString()
	}
	runID := uuid.NewString()

	if properties == nil {
		properties = make(map[string]string)
	}
	properties["session"] = session
	if description != "" {
		properties["description"] = description
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := agent.NewClient()
	fmt.Println("□ Assembling configuration...")
	assembly, err := assemble.Assemble(loader.New(client), assemble.Options{
		Sources:   configSources,
		Scenario:  scenarioName,
		Jobs:      jobNames,
		Profiles:  profileNames,
		Overrides: pendingOverrides,
		Variables: variables,
		RunID:     runID,
	})
	if err != nil {
		return err
	}

	var sqlWriter *store.SQLWriter
	if sqlConnection != "" {
		conn := resolveEnvIndirection(sqlConnection)
		table := resolveEnvIndirection(sqlTable)
		sqlWriter, err = store.NewSQLWriter(ctx, conn, table, log)
		if err != nil {
			return err
		}
		defer sqlWriter.Close()
	}

	fmt.Printf("□ Running %d job(s), session %s\n", len(assembly.Dependencies), session)
	eng := engine.New(assembly.Config, assembly.Dependencies, client, log, engine.Options{
		Scenario:       scenarioName,
		Session:        session,
		Description:    description,
		Iterations:     iterations,
		Span:           span,
		Repeat:         repeatAnchor,
		AutoFlush:      autoFlush,
		Output:         outputFile,
		NoMeasurements: noMeasure,
		NoMetadata:     noMetadata,
		Properties:     properties,
		SQL:            sqlWriter,
	})

	result, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	exitCode = result.ReturnCode
	if exitCode == 0 {
		fmt.Println("✓ Run complete")
	} else {
		fmt.Printf("✗ Run finished with %d failed job(s)\n", exitCode)
	}
	return nil
}
