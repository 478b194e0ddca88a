package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline"
	"github.com/cyntrisec/confidential-ml-pipeline/pipeline/transport"
)

var stageIdx uint32

// stageCmd runs one stage runtime until shutdown. Without a TEE integration
// it uses the plain handshaker and the identity executor, which is enough to
// exercise a full chain end to end.
var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Run a pipeline stage",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		manifest, err := pipeline.LoadManifest(manifestPath)
		if err != nil {
			logrus.Fatalf("Loading manifest: %v", err)
		}
		if int(stageIdx) >= manifest.NumStages() {
			logrus.Fatalf("Stage index %d out of range for %d-stage manifest", stageIdx, manifest.NumStages())
		}
		bundle, err := loadRuntimeConfig()
		if err != nil {
			logrus.Fatalf("Loading config: %v", err)
		}
		policy := bundle.RetryPolicy()
		spec := manifest.Stages[stageIdx]

		measurements, err := spec.DecodedMeasurements()
		if err != nil {
			logrus.Fatalf("Decoding measurements: %v", err)
		}
		runtime := pipeline.NewStageRuntime(pipeline.IdentityExecutor{}, pipeline.StageConfig{
			StageIdx:   stageIdx,
			Handshaker: pipeline.PlainHandshaker{},
			Provider:   &pipeline.PlainProvider{Measurements: measurements},
			Verifier:   pipeline.PlainVerifier{},
		})

		ctx := context.Background()

		ctrlListener, err := listenPort(spec.Endpoint.Control)
		if err != nil {
			logrus.Fatalf("Binding control listener: %v", err)
		}
		ctrlConn, err := transport.AcceptOne(ctx, ctrlListener)
		if err != nil {
			logrus.Fatalf("Accepting control connection: %v", err)
		}

		logrus.Infof("Stage %d serving (layers %d..%d)", stageIdx, spec.LayerStart, spec.LayerEnd)
		err = runtime.Run(ctx, ctrlConn,
			acceptSupplier(spec.Endpoint.DataIn),
			dialSupplier(spec.Endpoint.DataOut, policy))
		if err != nil {
			logrus.Fatalf("Stage %d exited with error: %v", stageIdx, err)
		}
		logrus.Infof("Stage %d shut down cleanly", stageIdx)
	},
}

func init() {
	stageCmd.Flags().Uint32Var(&stageIdx, "stage-idx", 0, "This stage's index in the chain")
}
