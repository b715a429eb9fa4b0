package main

import (
	"context"
	"log"
	"os"

	"github.com/helmcloud/k8s-posture/internal/clustersync"
	"github.com/spf13/cobra"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	root := &cobra.Command{
		Use:           "posture",
		Short:         "Kubernetes fleet inventory, compliance history and posture reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newHistoryCmd(),
		newComplianceCmd(),
		newClustersCmd(),
		newReportCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		if e, ok := err.(*exitError); ok {
			log.Print(e.msg)
			os.Exit(e.code)
		}
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

// syncExitCode maps a run's overall status to the process exit code.
func syncExitCode(overall clustersync.Overall) int {
	if overall == clustersync.OverallFailed {
		return 2
	}
	return 0
}
