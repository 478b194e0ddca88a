// Package pipeline orchestrates pipeline-parallel inference of a sharded
// model across a chain of isolated compute stages, joined by attested,
// encrypted byte channels through an untrusted host.
//
// # Reading Guide
//
// Start with these three files to understand the core:
//   - manifest.go: the declarative chain topology and its invariants
//   - stage.go: the stage runtime (control handshake, serving loop, error sentinels)
//   - orchestrator.go: the chain state machine, two-phase init, and request dispatch
//
// # Architecture
//
// Activation tensors flow only on data channels: orchestrator → stage 0,
// stage i → stage i+1 (through a host relay when stages cannot connect
// directly), stage N-1 → orchestrator. Control channels carry lifecycle and
// per-request headers, never payload. See wire.go for both frame formats and
// schedule.go for the 1F1B fill-drain generator.
//
// The sub-package pipeline/transport binds concrete byte streams (TCP,
// VSock, in-process duplex) with bounded connect retries.
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - Executor: the user-supplied forward pass of one stage
//   - SecureChannel / Handshaker: the attested encrypted transport
//   - AttestationProvider / AttestationVerifier: TEE evidence exchange
//
// Failures discovered on data channels additionally push a structured error
// sentinel downstream so no stage blocks on a tensor that will never arrive;
// failures on control channels are reported directly. The orchestrator folds
// both into one PipelineError and taints the chain.
package pipeline
