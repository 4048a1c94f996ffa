package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configSources []string
	scenarioName  string
	jobNames      []string
	profileNames  []string
	outputFile    string
	variableFlags []string
	propertyFlags []string
	sessionID     string
	description   string
	iterations    int
	spanFlag      string
	repeatAnchor  string
	autoFlush     bool
	noMeasure     bool
	noMetadata    bool
	sqlConnection string
	sqlTable      string
	compareFiles  []string
	debugMode     bool

	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "benchctl",
	Short: "Benchmark controller: scenarios → agents → results",
	Long:  "benchctl drives remote benchmark agents through declarative scenarios, collects their measurements, and aggregates them into result documents",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if debugMode {
			level = zerolog.DebugLevel
		}
		log = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&configSources, "config", "c", nil, "Configuration file or URL (repeatable)")
	rootCmd.PersistentFlags().StringVarP(&scenarioName, "scenario", "s", "", "Scenario to run")
	rootCmd.PersistentFlags().StringArrayVarP(&jobNames, "job", "j", nil, "Job to run without a scenario (repeatable)")
	rootCmd.PersistentFlags().StringArrayVar(&profileNames, "profile", nil, "Profile to apply (repeatable)")
	rootCmd.PersistentFlags().StringArrayVar(&variableFlags, "variable", nil, "Template variable K=V (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	registerRunCommand(rootCmd)
	registerValidateCommand(rootCmd)
}

// run preprocesses the argument list so unknown --X Y pairs on the run
// command become dotted-path overrides, executes the root command, and maps
// the outcome to the process exit code: 0 on success, -1 on any fatal
// configuration or preflight error, the accumulated return code otherwise.
func run(args []string) int {
	if len(args) > 0 && args[0] == "run" {
		rest, overrides := extractOverrides(args[1:], runCmd.Flags(), rootCmd.PersistentFlags())
		args = append([]string{"run"}, rest...)
		pendingOverrides = overrides
	}
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		return -1
	}
	return exitCode
}
