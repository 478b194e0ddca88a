package cmd

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyntrisec/confidential-ml-pipeline/pipeline"
	"github.com/cyntrisec/confidential-ml-pipeline/pipeline/transport"
)

var (
	microBatches int    // Number of micro-batches in the demo request
	seqLen       uint32 // Declared sequence length
)

// orchestrateCmd drives a full pipeline: two-phase init, one inference
// request with synthetic activations, a health check, and shutdown.
var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Drive an inference pipeline from a manifest",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		manifest, err := pipeline.LoadManifest(manifestPath)
		if err != nil {
			logrus.Fatalf("Loading manifest: %v", err)
		}
		bundle, err := loadRuntimeConfig()
		if err != nil {
			logrus.Fatalf("Loading config: %v", err)
		}
		policy := bundle.RetryPolicy()

		cfg := pipeline.OrchestratorConfig{
			Handshaker: pipeline.PlainHandshaker{},
			Verifier:   pipeline.PlainVerifier{},
			Provider:   &pipeline.PlainProvider{},
		}
		bundle.ApplyTimeouts(&cfg)

		orch, err := pipeline.NewOrchestrator(manifest, cfg)
		if err != nil {
			logrus.Fatalf("Invalid manifest: %v", err)
		}

		ctx := context.Background()
		if err := runPipeline(ctx, orch, manifest, policy); err != nil {
			logrus.Fatalf("Pipeline run failed: %v", err)
		}
		orch.Metrics().Print()
	},
}

func runPipeline(ctx context.Context, orch *pipeline.Orchestrator, manifest *pipeline.Manifest, policy transport.RetryPolicy) error {
	n := manifest.NumStages()

	// Phase 1: control channels.
	controls := make([]io.ReadWriteCloser, n)
	for i := 0; i < n; i++ {
		conn, err := dialPort(ctx, manifest.Stages[i].Endpoint.Control, policy)
		if err != nil {
			return err
		}
		controls[i] = conn
	}
	if err := orch.Init(ctx, controls); err != nil {
		return err
	}

	// Phase 2: stages bind their data listeners only after this broadcast.
	if err := orch.SendEstablishDataChannels(ctx); err != nil {
		return err
	}

	var dataIn, dataOut io.ReadWriteCloser
	relayPairs := make([]pipeline.RelayPair, n-1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		conn, err := dialPort(gctx, manifest.Stages[0].Endpoint.DataIn, policy)
		dataIn = conn
		return err
	})
	g.Go(func() error {
		l, err := listenPort(manifest.Stages[n-1].Endpoint.DataOut)
		if err != nil {
			return err
		}
		conn, err := transport.AcceptOne(gctx, l)
		dataOut = conn
		return err
	})
	for i := 0; i < n-1; i++ {
		i := i
		g.Go(func() error {
			l, err := listenPort(manifest.Stages[i].Endpoint.DataOut)
			if err != nil {
				return err
			}
			up, err := transport.AcceptOne(gctx, l)
			if err != nil {
				return err
			}
			down, err := dialPort(gctx, manifest.Stages[i+1].Endpoint.DataIn, policy)
			if err != nil {
				up.Close()
				return err
			}
			relayPairs[i] = pipeline.RelayPair{Upstream: up, Downstream: down}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := orch.CompleteDataChannels(ctx, dataIn, dataOut, relayPairs); err != nil {
		return err
	}

	inputs, err := syntheticBatches(manifest.ActivationSpec, microBatches, seqLen)
	if err != nil {
		return err
	}
	outputs, err := orch.Infer(ctx, inputs, seqLen)
	if err != nil {
		return err
	}
	logrus.Infof("Received %d output tensors", len(outputs))

	if err := orch.HealthCheck(ctx); err != nil {
		return err
	}
	return orch.Shutdown(ctx)
}

// syntheticBatches builds zero-filled activations matching the manifest's
// declared wire shape.
func syntheticBatches(spec pipeline.ActivationSpec, count int, seqLen uint32) ([]*pipeline.Tensor, error) {
	dtype, err := spec.ElementType()
	if err != nil {
		return nil, err
	}
	size := int(seqLen) * int(spec.HiddenDim) * dtype.ElementSize()
	batches := make([]*pipeline.Tensor, count)
	for i := range batches {
		batches[i] = &pipeline.Tensor{
			DType: dtype,
			Shape: []uint32{seqLen, spec.HiddenDim},
			Data:  make([]byte, size),
		}
	}
	return batches, nil
}

func init() {
	orchestrateCmd.Flags().IntVar(&microBatches, "micro-batches", 1, "Micro-batches in the demo request")
	orchestrateCmd.Flags().Uint32Var(&seqLen, "seq-len", 128, "Declared sequence length")
}
