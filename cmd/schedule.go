package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline"
)

var (
	schedStages       int
	schedMicroBatches uint32
)

// scheduleCmd prints the 1F1B fill-drain schedule for a given shape.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the 1F1B schedule for (stages, micro-batches)",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		sched, err := pipeline.GenerateSchedule(schedStages, schedMicroBatches)
		if err != nil {
			logrus.Fatalf("Generating schedule: %v", err)
		}
		fmt.Printf("%d stages x %d micro-batches: %d steps, bubble fraction %.3f\n",
			sched.NumStages, sched.NumMicroBatches, sched.TotalSteps, sched.BubbleFraction())
		for _, op := range sched.Ops {
			fmt.Printf("  stage %d forward mb %d\n", op.Stage, op.MicroBatch)
		}
	},
}

func init() {
	scheduleCmd.Flags().IntVar(&schedStages, "stages", 2, "Number of pipeline stages")
	scheduleCmd.Flags().Uint32Var(&schedMicroBatches, "micro-batches", 4, "Number of micro-batches")
}
