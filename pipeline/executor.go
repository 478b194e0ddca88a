package pipeline

import "context"

// Executor is the user-supplied forward pass for one stage: the tensor math,
// model weights, and KV cache behind a narrow interface. A stage runtime
// never invokes Forward concurrently on the same instance.
type Executor interface {
	// Init prepares the executor for its assigned layer range (load weights,
	// allocate caches). Called once, before the stage reports Ready.
	Init(spec StageSpec) error

	// WeightHashes returns hex-encoded SHA-256 digests of the loaded weight
	// files, in manifest order. The runtime compares them against the
	// manifest's weight_hashes when declared; return nil when the executor
	// has nothing to attest.
	WeightHashes() []string

	// Forward runs one micro-batch through this stage's layers and returns
	// exactly one output tensor for the downstream stage.
	Forward(ctx context.Context, input *Tensor, seqLen uint32, microBatch uint32) (*Tensor, error)

	// ResetCache discards any per-request KV state for requestID. Invoked
	// when a cache-clear sentinel arrives on the data channel.
	ResetCache(requestID uint64)
}

// IdentityExecutor echoes its input unchanged. Useful for wiring checks and
// relay transparency tests.
type IdentityExecutor struct{}

func (IdentityExecutor) Init(StageSpec) error      { return nil }
func (IdentityExecutor) WeightHashes() []string    { return nil }
func (IdentityExecutor) ResetCache(uint64)         {}
func (IdentityExecutor) Forward(_ context.Context, input *Tensor, _ uint32, _ uint32) (*Tensor, error) {
	return input, nil
}
