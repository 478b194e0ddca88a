package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline"
)

// validateCmd checks a manifest without touching the network: the same
// pre-flight the orchestrator runs before any I/O.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a shard manifest",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		manifest, err := pipeline.LoadManifest(manifestPath)
		if err != nil {
			logrus.Fatalf("Manifest invalid: %v", err)
		}
		fmt.Printf("Manifest OK: %s %s, %d layers across %d stages\n",
			manifest.ModelName, manifest.ModelVersion, manifest.TotalLayers, manifest.NumStages())
		for _, s := range manifest.Stages {
			fmt.Printf("  stage %d: layers [%d, %d), %d expected measurements\n",
				s.StageIdx, s.LayerStart, s.LayerEnd, len(s.ExpectedMeasurements))
		}
	},
}
