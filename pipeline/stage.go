package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// StageState tracks a stage runtime's lifecycle.
type StageState int

const (
	StageListening StageState = iota
	StageConfigured
	StageReady
	StageServing
	StageDraining
	StageClosed
)

func (s StageState) String() string {
	switch s {
	case StageListening:
		return "Listening"
	case StageConfigured:
		return "Configured"
	case StageReady:
		return "Ready"
	case StageServing:
		return "Serving"
	case StageDraining:
		return "Draining"
	case StageClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnSupplier produces a connected byte stream on demand. The deployment
// adapter supplies these so that data listeners are bound only after the
// orchestrator signals EstablishDataChannels.
type ConnSupplier func(ctx context.Context) (io.ReadWriteCloser, error)

// StageConfig wires a stage runtime to its environment.
type StageConfig struct {
	// StageIdx is this runtime's declared position in the chain. The Init
	// message must agree or the stage refuses to configure.
	StageIdx   uint32
	Handshaker Handshaker
	Provider   AttestationProvider
	Verifier   AttestationVerifier
}

// StageRuntime consumes a scheduled stream of activation tensors, invokes
// the executor, and streams results downstream. It owns its three channels
// exclusively and never runs two forwards concurrently.
type StageRuntime struct {
	executor Executor
	cfg      StageConfig

	state      StageState
	spec       *StageSpec
	activation *ActivationSpec
	numStages  int
	// downstreamExpected holds the measurements the data_out peer must
	// present, delivered in Init.
	downstreamExpected map[int][]byte
}

// NewStageRuntime builds a runtime around a user-supplied executor.
func NewStageRuntime(executor Executor, cfg StageConfig) *StageRuntime {
	return &StageRuntime{executor: executor, cfg: cfg, state: StageListening}
}

// State returns the current lifecycle state.
func (r *StageRuntime) State() StageState { return r.state }

// controlPhase carries the result of the control handshake into the data
// phase.
type controlPhase struct {
	ctrl SecureChannel
	// shutdown is set when the orchestrator shut the stage down before data
	// channels were requested.
	shutdown bool
}

// Run blocks until shutdown: control handshake, data-channel establishment,
// then the serving loop. The suppliers are invoked only after the
// orchestrator sends EstablishDataChannels (data_in is accepted, data_out is
// connected).
func (r *StageRuntime) Run(ctx context.Context, control io.ReadWriteCloser, acceptDataIn, dialDataOut ConnSupplier) error {
	phase, err := r.runControlPhase(ctx, control)
	if err != nil {
		return err
	}
	if phase.shutdown {
		r.state = StageClosed
		return nil
	}
	defer phase.ctrl.Close()
	return r.runDataPhase(ctx, phase.ctrl, acceptDataIn, dialDataOut)
}

func (r *StageRuntime) runControlPhase(ctx context.Context, control io.ReadWriteCloser) (*controlPhase, error) {
	ctrl, err := r.cfg.Handshaker.Accept(ctx, control, r.cfg.Provider)
	if err != nil {
		return nil, WrapErr(KindTransport, err, "stage: accepting control channel")
	}
	logrus.Infof("stage %d: control channel established", r.cfg.StageIdx)

	// Exactly one Init is expected first.
	tag, payload, err := recvControl(ctx, ctrl)
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	if tag != TagInit {
		ctrl.Close()
		return nil, Errorf(KindInvalidMessage, "stage %d: expected Init, got %s", r.cfg.StageIdx, tag)
	}
	var init InitMsg
	if err := DecodePayload(tag, payload, &init); err != nil {
		ctrl.Close()
		return nil, err
	}
	if err := r.configure(init); err != nil {
		r.reportError(ctx, ctrl, nil, StageErrInternal, err.Error())
		ctrl.Close()
		return nil, err
	}

	if err := r.executor.Init(*r.spec); err != nil {
		r.reportError(ctx, ctrl, nil, StageErrInternal, err.Error())
		ctrl.Close()
		return nil, WrapErr(KindStageFailed, err, "stage: executor init")
	}
	if err := r.verifyWeightHashes(); err != nil {
		r.reportError(ctx, ctrl, nil, StageErrInternal, err.Error())
		ctrl.Close()
		return nil, err
	}
	r.state = StageConfigured

	if err := sendControl(ctx, ctrl, TagReady, ReadyMsg{
		StageIdx:        r.cfg.StageIdx,
		AttestationEcho: r.attestationEcho(),
	}); err != nil {
		ctrl.Close()
		return nil, err
	}
	r.state = StageReady
	logrus.Infof("stage %d: ready (layers %d..%d)", r.cfg.StageIdx, r.spec.LayerStart, r.spec.LayerEnd)

	// Wait for EstablishDataChannels, answering keep-alive pings. Iterative
	// by construction.
	for {
		tag, payload, err := recvControl(ctx, ctrl)
		if err != nil {
			ctrl.Close()
			return nil, err
		}
		switch tag {
		case TagEstablishDataChans:
			return &controlPhase{ctrl: ctrl}, nil
		case TagPing:
			var ping PingMsg
			if err := DecodePayload(tag, payload, &ping); err != nil {
				ctrl.Close()
				return nil, err
			}
			if !ping.Reply {
				if err := sendControl(ctx, ctrl, TagPing, PingMsg{Nonce: ping.Nonce, Reply: true}); err != nil {
					ctrl.Close()
					return nil, err
				}
			}
		case TagShutdown:
			ctrl.Close()
			return &controlPhase{shutdown: true}, nil
		default:
			ctrl.Close()
			return nil, Errorf(KindInvalidMessage, "stage %d: expected EstablishDataChannels, got %s", r.cfg.StageIdx, tag)
		}
	}
}

func (r *StageRuntime) configure(init InitMsg) error {
	if init.StageSpec.StageIdx != r.cfg.StageIdx {
		return Errorf(KindInvalidMessage, "stage %d: Init addressed to stage %d", r.cfg.StageIdx, init.StageSpec.StageIdx)
	}
	if init.NumStages <= 0 || uint32(init.NumStages) <= r.cfg.StageIdx {
		return Errorf(KindInvalidMessage, "stage %d: Init declares %d stages", r.cfg.StageIdx, init.NumStages)
	}
	if _, err := init.ActivationSpec.ElementType(); err != nil {
		return Errorf(KindInvalidMessage, "stage %d: activation spec: %v", r.cfg.StageIdx, err)
	}
	spec := init.StageSpec
	activation := init.ActivationSpec
	r.spec = &spec
	r.activation = &activation
	r.numStages = init.NumStages

	if down, ok := init.PeerMeasurements["downstream"]; ok {
		decoded := make(map[int][]byte, len(down))
		for reg, h := range down {
			raw, err := hex.DecodeString(h)
			if err != nil {
				return Errorf(KindInvalidMessage, "stage %d: downstream measurement register %d is not hex", r.cfg.StageIdx, reg)
			}
			decoded[reg] = raw
		}
		r.downstreamExpected = decoded
	}
	return nil
}

func (r *StageRuntime) verifyWeightHashes() error {
	declared := r.spec.WeightHashes
	if len(declared) == 0 {
		return nil
	}
	actual := r.executor.WeightHashes()
	if len(actual) != len(declared) {
		return StageFailure(r.cfg.StageIdx, StageErrInternal,
			fmt.Sprintf("weight hash count mismatch: manifest declares %d, executor returned %d", len(declared), len(actual)))
	}
	for i := range declared {
		if declared[i] != actual[i] {
			return StageFailure(r.cfg.StageIdx, StageErrInternal, fmt.Sprintf("weight hash mismatch at index %d", i))
		}
	}
	logrus.Infof("stage %d: %d weight hashes verified", r.cfg.StageIdx, len(declared))
	return nil
}

func (r *StageRuntime) attestationEcho() string {
	att, err := r.cfg.Provider.Attestation()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(att)
	return hex.EncodeToString(sum[:])
}

func (r *StageRuntime) runDataPhase(ctx context.Context, ctrl SecureChannel, acceptDataIn, dialDataOut ConnSupplier) error {
	rawIn, err := acceptDataIn(ctx)
	if err != nil {
		return WrapErr(KindTransport, err, "stage: accepting data_in")
	}
	dataIn, err := r.cfg.Handshaker.Accept(ctx, rawIn, r.cfg.Provider)
	if err != nil {
		return WrapErr(KindTransport, err, "stage: upgrading data_in")
	}
	defer dataIn.Close()

	rawOut, err := dialDataOut(ctx)
	if err != nil {
		return WrapErr(KindTransport, err, "stage: connecting data_out")
	}
	dataOut, err := r.cfg.Handshaker.Initiate(ctx, rawOut, r.cfg.Verifier, r.downstreamExpected)
	if err != nil {
		return WrapErr(KindTransport, err, "stage: upgrading data_out")
	}
	defer dataOut.Close()

	if err := sendControl(ctx, ctrl, TagDataChannelsUp, nil); err != nil {
		return err
	}
	r.state = StageServing
	logrus.Infof("stage %d: data channels up", r.cfg.StageIdx)

	return r.serveLoop(ctx, ctrl, dataIn, dataOut)
}

func (r *StageRuntime) serveLoop(ctx context.Context, ctrl, dataIn, dataOut SecureChannel) error {
	for {
		tag, payload, err := recvControl(ctx, ctrl)
		if err != nil {
			return err
		}
		switch tag {
		case TagStartRequest:
			var req StartRequestMsg
			if err := DecodePayload(tag, payload, &req); err != nil {
				return err
			}
			r.handleRequest(ctx, ctrl, dataIn, dataOut, req)
		case TagPing:
			var ping PingMsg
			if err := DecodePayload(tag, payload, &ping); err != nil {
				return err
			}
			if !ping.Reply {
				if err := sendControl(ctx, ctrl, TagPing, PingMsg{Nonce: ping.Nonce, Reply: true}); err != nil {
					return err
				}
			}
		case TagHealthCheck:
			var hc HealthCheckMsg
			if err := DecodePayload(tag, payload, &hc); err != nil {
				return err
			}
			if err := sendControl(ctx, ctrl, TagHealthAck, HealthAckMsg{Nonce: hc.Nonce, Status: "serving"}); err != nil {
				return err
			}
		case TagShutdown:
			r.state = StageDraining
			logrus.Infof("stage %d: shutting down", r.cfg.StageIdx)
			r.state = StageClosed
			return nil
		default:
			return Errorf(KindInvalidMessage, "stage %d: unexpected %s in serving loop", r.cfg.StageIdx, tag)
		}
	}
}

// handleRequest runs one request to completion or failure. A failed request
// never kills a healthy stage: the serving loop continues afterwards.
func (r *StageRuntime) handleRequest(ctx context.Context, ctrl, dataIn, dataOut SecureChannel, req StartRequestMsg) {
	logrus.Debugf("stage %d: request %d, %d micro-batches, seq_len %d",
		r.cfg.StageIdx, req.RequestID, req.MicroBatchCount, req.SeqLen)

	if req.MicroBatchCount == 0 {
		r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrInternal, "request declares zero micro-batches", 0)
		return
	}
	if r.activation.MaxSeqLen > 0 && req.SeqLen > r.activation.MaxSeqLen {
		r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrSeqLen,
			fmt.Sprintf("seq_len %d exceeds max_seq_len %d", req.SeqLen, r.activation.MaxSeqLen), req.MicroBatchCount)
		return
	}
	if len(req.Schedule) > 0 {
		expect, err := GenerateSchedule(r.numStages, req.MicroBatchCount)
		if err != nil || !EqualOps(req.Schedule, expect.Ops) {
			r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrInternal,
				"schedule in StartRequest does not match local generation", req.MicroBatchCount)
			return
		}
	}

	for mb := uint32(0); mb < req.MicroBatchCount; mb++ {
		frame, err := dataIn.Recv(ctx)
		if err != nil {
			r.failRequest(ctx, ctrl, nil, dataOut, req.RequestID, StageErrInternal,
				fmt.Sprintf("reading micro-batch %d: %v", mb, err), 0)
			return
		}
		input, sentinel, err := DecodeData(frame)
		if err != nil {
			r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrInternal,
				fmt.Sprintf("micro-batch %d: %v", mb, err), req.MicroBatchCount-mb-1)
			return
		}
		if sentinel != nil {
			// Upstream failed. Forward the sentinel unchanged so its origin
			// survives to the orchestrator and report upward. A sentinel is
			// the upstream's last frame for this request, so there is
			// nothing left to drain; return to waiting.
			logrus.Warnf("stage %d: upstream error sentinel (origin %s) on request %d",
				r.cfg.StageIdx, originLabel(sentinel.StageIdx), req.RequestID)
			if err := dataOut.Send(ctx, EncodeErrorSentinel(*sentinel)); err != nil {
				logrus.Warnf("stage %d: forwarding error sentinel: %v", r.cfg.StageIdx, err)
			}
			r.reportError(ctx, ctrl, &req.RequestID, StageErrUpstream,
				fmt.Sprintf("upstream stage %s failed: %s", originLabel(sentinel.StageIdx), sentinel.Detail))
			return
		}

		var output *Tensor
		if input.IsCacheClear() {
			r.executor.ResetCache(req.RequestID)
			output = input
		} else {
			output, err = r.executor.Forward(ctx, input, req.SeqLen, mb)
			if err != nil {
				logrus.Errorf("stage %d: forward failed on request %d micro-batch %d: %v",
					r.cfg.StageIdx, req.RequestID, mb, err)
				r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrExecutor,
					err.Error(), req.MicroBatchCount-mb-1)
				return
			}
		}

		outFrame, err := EncodeTensor(output)
		if err != nil {
			r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrExecutor,
				fmt.Sprintf("executor produced invalid tensor: %v", err), req.MicroBatchCount-mb-1)
			return
		}
		if err := dataOut.Send(ctx, outFrame); err != nil {
			r.failRequest(ctx, ctrl, dataIn, dataOut, req.RequestID, StageErrInternal,
				fmt.Sprintf("writing micro-batch %d downstream: %v", mb, err), req.MicroBatchCount-mb-1)
			return
		}
	}

	if err := sendControl(ctx, ctrl, TagRequestComplete, RequestCompleteMsg{RequestID: req.RequestID}); err != nil {
		logrus.Warnf("stage %d: sending RequestComplete: %v", r.cfg.StageIdx, err)
	}
	logrus.Debugf("stage %d: request %d complete", r.cfg.StageIdx, req.RequestID)
}

// failRequest applies the error-sentinel policy: unblock downstream with a
// sentinel, report the detailed error on control, and drain the remaining
// expected inputs so the upstream is not blocked behind a dead downstream.
func (r *StageRuntime) failRequest(ctx context.Context, ctrl, dataIn, dataOut SecureChannel, requestID uint64, kind StageErrorKind, detail string, remaining uint32) {
	sentinel := ErrorSentinel{StageIdx: r.cfg.StageIdx, Kind: kind, Detail: detail}
	if err := dataOut.Send(ctx, EncodeErrorSentinel(sentinel)); err != nil {
		logrus.Warnf("stage %d: sending error sentinel: %v", r.cfg.StageIdx, err)
	}
	r.reportError(ctx, ctrl, &requestID, kind, detail)
	if dataIn != nil {
		r.drain(ctx, dataIn, remaining)
	}
}

func (r *StageRuntime) reportError(ctx context.Context, ctrl SecureChannel, requestID *uint64, kind StageErrorKind, detail string) {
	msg := StageErrorMsg{RequestID: requestID, StageIdx: r.cfg.StageIdx, Kind: kind, Detail: detail}
	if err := sendControl(ctx, ctrl, TagStageError, msg); err != nil {
		logrus.Warnf("stage %d: sending StageError: %v", r.cfg.StageIdx, err)
	}
}

func (r *StageRuntime) drain(ctx context.Context, dataIn SecureChannel, remaining uint32) {
	for i := uint32(0); i < remaining; i++ {
		if _, err := dataIn.Recv(ctx); err != nil {
			logrus.Debugf("stage %d: drain stopped after %d of %d: %v", r.cfg.StageIdx, i, remaining, err)
			return
		}
	}
}

// === Shared control-channel helpers ===

func sendControl(ctx context.Context, ch SecureChannel, tag MsgTag, payload any) error {
	frame, err := EncodeControl(tag, payload)
	if err != nil {
		return err
	}
	return WrapErr(KindTransport, ch.Send(ctx, frame), "sending "+tag.String())
}

func recvControl(ctx context.Context, ch SecureChannel) (MsgTag, []byte, error) {
	frame, err := ch.Recv(ctx)
	if err != nil {
		return 0, nil, WrapErr(KindTransport, err, "receiving control message")
	}
	tag, payload, err := DecodeControl(frame)
	if err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}

// originLabel renders a sentinel origin, mapping StageUnknown to "unknown".
func originLabel(stageIdx uint32) string {
	if stageIdx == StageUnknown {
		return "unknown"
	}
	return fmt.Sprintf("%d", stageIdx)
}
