// Package cli implements the estimator command-line interface using Cobra.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "estimator",
	Short: "Car RepAIr Estimator inspection backend",
	Long: `estimator runs the car inspection pipeline: it queues paid inspection
tasks, analyzes their photos with a vision model, stores the report and
emails the owner a link to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
