package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ChainState is the orchestrator's pipeline state machine.
//
//	Uninit → CtrlReady → DataReady → Running
//	any    → Tainted (sticky; only Shutdown allowed)
//	any    → Terminated
type ChainState int

const (
	ChainUninit ChainState = iota
	ChainCtrlReady
	ChainDataReady
	ChainRunning
	ChainTainted
	ChainTerminated
)

func (s ChainState) String() string {
	switch s {
	case ChainUninit:
		return "Uninit"
	case ChainCtrlReady:
		return "CtrlReady"
	case ChainDataReady:
		return "DataReady"
	case ChainRunning:
		return "Running"
	case ChainTainted:
		return "Tainted"
	case ChainTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// OrchestratorConfig carries timeouts and the security collaborators.
type OrchestratorConfig struct {
	Handshaker Handshaker
	Verifier   AttestationVerifier
	// Provider backs the orchestrator's responder role on data_out.
	Provider AttestationProvider

	ReadyTimeout     time.Duration
	DataReadyTimeout time.Duration
	RequestTimeout   time.Duration
	HealthTimeout    time.Duration
}

// DefaultTimeouts fills zero-valued timeouts with the standard defaults.
func (c *OrchestratorConfig) DefaultTimeouts() {
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 10 * time.Second
	}
	if c.DataReadyTimeout == 0 {
		c.DataReadyTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 10 * time.Second
	}
}

// maxScheduleOps bounds the schedule echoed inside StartRequest so the
// control frame stays under its 1 MiB cap.
const maxScheduleOps = 4096

type stageHandle struct {
	idx      uint32
	ctrl     SecureChannel
	identity PeerIdentity
}

// Orchestrator owns the chain state machine: two-phase initialization,
// request dispatch, health checking, and teardown. Methods are not safe for
// concurrent use; the orchestrator is a single logical task.
type Orchestrator struct {
	cfg      OrchestratorConfig
	manifest *Manifest

	state   ChainState
	stages  []*stageHandle
	relays  []*Relay
	dataIn  SecureChannel
	dataOut SecureChannel

	establishSent bool

	nextReq atomic.Uint64
	metrics Metrics
}

// NewOrchestrator validates the manifest (fatal pre-flight on violation) and
// prepares an unconnected orchestrator.
func NewOrchestrator(manifest *Manifest, cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	cfg.DefaultTimeouts()
	o := &Orchestrator{cfg: cfg, manifest: manifest, state: ChainUninit}
	// Request IDs: an atomic counter seeded from the clock mixed with CRNG
	// output, never a raw clock value alone.
	o.nextReq.Store(uint64(time.Now().UnixNano()) ^ randUint64())
	return o, nil
}

// State returns the current chain state.
func (o *Orchestrator) State() ChainState { return o.state }

// Manifest returns the validated shard manifest.
func (o *Orchestrator) Manifest() *Manifest { return o.manifest }

// Metrics returns the per-orchestrator request counters.
func (o *Orchestrator) Metrics() *Metrics { return &o.metrics }

// Init runs phase one: upgrade every control channel with attestation, send
// Init to each stage, and await Ready from all of them. controls[i] must be
// an already-connected byte stream to stage i.
func (o *Orchestrator) Init(ctx context.Context, controls []io.ReadWriteCloser) error {
	if err := o.requireState("init", ChainUninit); err != nil {
		return err
	}
	n := o.manifest.NumStages()
	if len(controls) != n {
		return Errorf(KindConfig, "init: expected %d control channels, got %d", n, len(controls))
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	logrus.Infof("orchestrator: initializing %d stages", n)
	handles := make([]*stageHandle, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			h, err := o.initStage(gctx, uint32(i), controls[i])
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i, h := range handles {
			if h != nil {
				h.ctrl.Close()
			} else {
				controls[i].Close()
			}
		}
		o.taint()
		if deadlineHit(ctx, err) {
			return TimeoutErr("init")
		}
		return err
	}

	o.stages = handles
	o.state = ChainCtrlReady
	logrus.Infof("orchestrator: all stages ready")
	return nil
}

func (o *Orchestrator) initStage(ctx context.Context, idx uint32, conn io.ReadWriteCloser) (*stageHandle, error) {
	spec := &o.manifest.Stages[idx]
	expected, err := spec.DecodedMeasurements()
	if err != nil {
		return nil, err
	}
	ctrl, err := o.cfg.Handshaker.Initiate(ctx, conn, o.cfg.Verifier, expected)
	if err != nil {
		return nil, WrapErr(KindTransport, err, "upgrading control channel")
	}
	identity := ctrl.PeerIdentity()
	logrus.Infof("orchestrator: stage %d control channel established (%s)", idx, identity.Description)

	init := InitMsg{
		StageSpec:        *spec,
		ActivationSpec:   o.manifest.ActivationSpec,
		NumStages:        o.manifest.NumStages(),
		PeerMeasurements: o.peerMeasurements(idx),
	}
	if err := sendControl(ctx, ctrl, TagInit, init); err != nil {
		ctrl.Close()
		return nil, err
	}

	tag, payload, err := recvControl(ctx, ctrl)
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	switch tag {
	case TagReady:
		var ready ReadyMsg
		if err := DecodePayload(tag, payload, &ready); err != nil {
			ctrl.Close()
			return nil, err
		}
		if ready.StageIdx != idx {
			ctrl.Close()
			return nil, Errorf(KindInvalidMessage, "stage %d answered Ready as stage %d", idx, ready.StageIdx)
		}
	case TagStageError:
		var se StageErrorMsg
		if err := DecodePayload(tag, payload, &se); err != nil {
			ctrl.Close()
			return nil, err
		}
		ctrl.Close()
		return nil, StageFailure(se.StageIdx, se.Kind, se.Detail)
	default:
		ctrl.Close()
		return nil, Errorf(KindInvalidMessage, "expected Ready from stage %d, got %s", idx, tag)
	}

	return &stageHandle{idx: idx, ctrl: ctrl, identity: identity}, nil
}

// peerMeasurements gathers the expected measurements of stage idx's
// neighbors, hex-encoded for the Init payload.
func (o *Orchestrator) peerMeasurements(idx uint32) map[string]map[int]string {
	out := make(map[string]map[int]string, 2)
	if idx > 0 {
		if m := o.manifest.Stages[idx-1].ExpectedMeasurements; len(m) > 0 {
			out["upstream"] = m
		}
	}
	if int(idx) < o.manifest.NumStages()-1 {
		if m := o.manifest.Stages[idx+1].ExpectedMeasurements; len(m) > 0 {
			out["downstream"] = m
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EstablishDataChannels runs phase two in one call, for deployments where
// the data transports are already connected (in-process duplex, tests). TCP
// deployments use SendEstablishDataChannels / CompleteDataChannels
// separately, connecting the transports in between — stages only bind their
// data listeners after being told to.
func (o *Orchestrator) EstablishDataChannels(ctx context.Context, dataIn, dataOut io.ReadWriteCloser, relayPairs []RelayPair) error {
	if err := o.SendEstablishDataChannels(ctx); err != nil {
		return err
	}
	return o.CompleteDataChannels(ctx, dataIn, dataOut, relayPairs)
}

// SendEstablishDataChannels broadcasts EstablishDataChannels to every stage.
// After it returns, each stage is binding its data listeners; the caller
// connects the data transports and calls CompleteDataChannels.
func (o *Orchestrator) SendEstablishDataChannels(ctx context.Context) error {
	if err := o.requireState("establish_data_channels", ChainCtrlReady); err != nil {
		return err
	}
	if o.establishSent {
		return Errorf(KindConfig, "establish_data_channels: already sent")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range o.stages {
		h := h
		g.Go(func() error {
			return sendControl(gctx, h.ctrl, TagEstablishDataChans, nil)
		})
	}
	if err := g.Wait(); err != nil {
		o.taint()
		return err
	}
	o.establishSent = true
	logrus.Infof("orchestrator: sent EstablishDataChannels to all stages")
	return nil
}

// CompleteDataChannels upgrades the orchestrator's two data ends, starts the
// relay mesh, and awaits DataChannelsUp from all stages. While waiting,
// stage Pings are answered — iteratively, accumulating in a loop, never by
// self-recursion — since data-channel setup may be slow.
func (o *Orchestrator) CompleteDataChannels(ctx context.Context, dataIn, dataOut io.ReadWriteCloser, relayPairs []RelayPair) error {
	if err := o.requireState("establish_data_channels", ChainCtrlReady); err != nil {
		return err
	}
	if !o.establishSent {
		return Errorf(KindConfig, "establish_data_channels: SendEstablishDataChannels not called")
	}
	n := o.manifest.NumStages()
	if len(relayPairs) != n-1 {
		return Errorf(KindConfig, "establish_data_channels: %d stages need %d relay pairs, got %d", n, n-1, len(relayPairs))
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.DataReadyTimeout)
	defer cancel()

	// The relays must be copying before any stage's data handshake can
	// traverse them.
	o.relays = StartRelayMesh(relayPairs)

	stage0, err := o.manifest.Stages[0].DecodedMeasurements()
	if err != nil {
		o.taint()
		return err
	}
	up, upCtx := errgroup.WithContext(ctx)
	up.Go(func() error {
		ch, err := o.cfg.Handshaker.Initiate(upCtx, dataIn, o.cfg.Verifier, stage0)
		if err != nil {
			return WrapErr(KindTransport, err, "upgrading data_in")
		}
		o.dataIn = ch
		return nil
	})
	up.Go(func() error {
		ch, err := o.cfg.Handshaker.Accept(upCtx, dataOut, o.cfg.Provider)
		if err != nil {
			return WrapErr(KindTransport, err, "upgrading data_out")
		}
		o.dataOut = ch
		return nil
	})
	if err := up.Wait(); err != nil {
		o.taint()
		if deadlineHit(ctx, err) {
			return TimeoutErr("establish_data_channels")
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range o.stages {
		h := h
		g.Go(func() error { return o.awaitDataChannelsUp(gctx, h) })
	}
	if err := g.Wait(); err != nil {
		o.taint()
		if deadlineHit(ctx, err) {
			return TimeoutErr("establish_data_channels")
		}
		return err
	}

	o.state = ChainDataReady
	logrus.Infof("orchestrator: all data channels established")
	return nil
}

// awaitDataChannelsUp accumulates Pings in a loop until DataChannelsUp
// arrives.
func (o *Orchestrator) awaitDataChannelsUp(ctx context.Context, h *stageHandle) error {
	for {
		tag, payload, err := recvControl(ctx, h.ctrl)
		if err != nil {
			return err
		}
		switch tag {
		case TagDataChannelsUp:
			logrus.Debugf("orchestrator: stage %d data channels up", h.idx)
			return nil
		case TagPing:
			var ping PingMsg
			if err := DecodePayload(tag, payload, &ping); err != nil {
				return err
			}
			if !ping.Reply {
				if err := sendControl(ctx, h.ctrl, TagPing, PingMsg{Nonce: ping.Nonce, Reply: true}); err != nil {
					return err
				}
			}
		case TagStageError:
			var se StageErrorMsg
			if err := DecodePayload(tag, payload, &se); err != nil {
				return err
			}
			return StageFailure(se.StageIdx, se.Kind, se.Detail)
		default:
			return Errorf(KindInvalidMessage, "expected DataChannelsUp from stage %d, got %s", h.idx, tag)
		}
	}
}

// Infer drives one request through the chain: broadcast StartRequest, write
// the micro-batch tensors to stage 0, read the outputs from the last stage,
// and await RequestComplete from every stage. An invalid request is rejected
// before any channel is touched and leaves the state unchanged; any failure
// after that taints the pipeline. The whole operation is bounded by the
// request timeout.
func (o *Orchestrator) Infer(ctx context.Context, microBatches []*Tensor, seqLen uint32) ([]*Tensor, error) {
	if err := o.requireState("infer", ChainDataReady, ChainRunning); err != nil {
		return nil, err
	}
	// Request validation happens before any channel is touched.
	if len(microBatches) == 0 {
		return nil, Errorf(KindInvalidRequest, "infer: zero micro-batches")
	}
	if uint64(len(microBatches)) > MaxMicroBatches {
		return nil, Errorf(KindInvalidRequest, "infer: %d micro-batches exceeds max %d", len(microBatches), uint64(MaxMicroBatches))
	}
	for i, t := range microBatches {
		if t == nil {
			return nil, Errorf(KindInvalidRequest, "infer: micro-batch %d is nil", i)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}

	requestID := o.nextReq.Add(1)
	schedule, err := GenerateSchedule(o.manifest.NumStages(), uint32(len(microBatches)))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	outputs, bytesIn, bytesOut, err := o.runRequest(ctx, requestID, schedule, microBatches, seqLen)
	latency := time.Since(start)
	if err != nil {
		o.taint()
		o.metrics.RecordRequest(false, len(microBatches), bytesIn, bytesOut, latency)
		if deadlineHit(ctx, err) {
			return nil, TimeoutErr("infer")
		}
		return nil, err
	}

	o.state = ChainRunning
	o.metrics.RecordRequest(true, len(microBatches), bytesIn, bytesOut, latency)
	logrus.Infof("orchestrator: request %d complete (%d micro-batches, %s)", requestID, len(microBatches), latency)
	return outputs, nil
}

func (o *Orchestrator) runRequest(ctx context.Context, requestID uint64, schedule *Schedule, microBatches []*Tensor, seqLen uint32) (outputs []*Tensor, bytesIn, bytesOut int64, err error) {
	req := StartRequestMsg{
		RequestID:       requestID,
		MicroBatchCount: uint32(len(microBatches)),
		SeqLen:          seqLen,
	}
	// The op list is included for stages to cross-check, but only while it
	// fits the control frame budget; stages regenerate it either way.
	if len(schedule.Ops) <= maxScheduleOps {
		req.Schedule = schedule.Ops
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range o.stages {
		h := h
		g.Go(func() error { return sendControl(gctx, h.ctrl, TagStartRequest, req) })
	}
	if err := g.Wait(); err != nil {
		return nil, 0, 0, err
	}

	logrus.Debugf("orchestrator: request %d, sending %d micro-batches", requestID, len(microBatches))
	for i, t := range microBatches {
		frame, err := EncodeTensor(t)
		if err != nil {
			return nil, bytesIn, 0, err
		}
		if err := o.dataIn.Send(ctx, frame); err != nil {
			return nil, bytesIn, 0, WrapErr(KindTransport, err, fmt.Sprintf("writing micro-batch %d", i))
		}
		bytesIn += int64(len(frame))
	}

	outputs = make([]*Tensor, 0, len(microBatches))
	for i := range microBatches {
		frame, err := o.dataOut.Recv(ctx)
		if err != nil {
			return nil, bytesIn, bytesOut, WrapErr(KindTransport, err, fmt.Sprintf("reading output %d", i))
		}
		bytesOut += int64(len(frame))
		t, sentinel, err := DecodeData(frame)
		if err != nil {
			return nil, bytesIn, bytesOut, err
		}
		if sentinel != nil {
			logrus.Warnf("orchestrator: error sentinel from stage %s on request %d",
				originLabel(sentinel.StageIdx), requestID)
			return nil, bytesIn, bytesOut, sentinel.Err()
		}
		outputs = append(outputs, t)
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, h := range o.stages {
		h := h
		g.Go(func() error { return o.awaitRequestComplete(gctx, h, requestID) })
	}
	if err := g.Wait(); err != nil {
		return nil, bytesIn, bytesOut, err
	}
	return outputs, bytesIn, bytesOut, nil
}

func (o *Orchestrator) awaitRequestComplete(ctx context.Context, h *stageHandle, requestID uint64) error {
	for {
		tag, payload, err := recvControl(ctx, h.ctrl)
		if err != nil {
			return err
		}
		switch tag {
		case TagRequestComplete:
			var done RequestCompleteMsg
			if err := DecodePayload(tag, payload, &done); err != nil {
				return err
			}
			if done.RequestID != requestID {
				return Errorf(KindInvalidMessage, "stage %d completed request %d, expected %d", h.idx, done.RequestID, requestID)
			}
			return nil
		case TagPing:
			var ping PingMsg
			if err := DecodePayload(tag, payload, &ping); err != nil {
				return err
			}
			if !ping.Reply {
				if err := sendControl(ctx, h.ctrl, TagPing, PingMsg{Nonce: ping.Nonce, Reply: true}); err != nil {
					return err
				}
			}
		case TagStageError:
			var se StageErrorMsg
			if err := DecodePayload(tag, payload, &se); err != nil {
				return err
			}
			return StageFailure(se.StageIdx, se.Kind, se.Detail)
		default:
			return Errorf(KindInvalidMessage, "expected RequestComplete from stage %d, got %s", h.idx, tag)
		}
	}
}

// HealthCheck probes every stage with a fresh nonce. A timeout or a
// mismatched nonce taints the pipeline: a late ack would leave the control
// protocol desynchronized, so the chain is not trusted afterwards.
func (o *Orchestrator) HealthCheck(ctx context.Context) error {
	if err := o.requireState("health_check", ChainCtrlReady, ChainDataReady, ChainRunning); err != nil {
		return err
	}
	nonce := randUint64()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.HealthTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range o.stages {
		h := h
		g.Go(func() error {
			if err := sendControl(gctx, h.ctrl, TagHealthCheck, HealthCheckMsg{Nonce: nonce}); err != nil {
				return err
			}
			tag, payload, err := recvControl(gctx, h.ctrl)
			if err != nil {
				return err
			}
			switch tag {
			case TagHealthAck:
				var ack HealthAckMsg
				if err := DecodePayload(tag, payload, &ack); err != nil {
					return err
				}
				if ack.Nonce != nonce {
					return Errorf(KindInvalidMessage, "stage %d acked nonce %d, expected %d", h.idx, ack.Nonce, nonce)
				}
				logrus.Debugf("orchestrator: stage %d healthy (%s)", h.idx, ack.Status)
				return nil
			case TagStageError:
				var se StageErrorMsg
				if err := DecodePayload(tag, payload, &se); err != nil {
					return err
				}
				return StageFailure(se.StageIdx, se.Kind, se.Detail)
			default:
				return Errorf(KindInvalidMessage, "expected HealthAck from stage %d, got %s", h.idx, tag)
			}
		})
	}
	if err := g.Wait(); err != nil {
		o.taint()
		if deadlineHit(ctx, err) {
			return TimeoutErr("health_check")
		}
		return err
	}

	for i, r := range o.relays {
		if r.Finished() {
			logrus.Warnf("orchestrator: relay link %d has terminated", i)
		}
	}
	return nil
}

// Shutdown tears the pipeline down: Shutdown to every stage (best effort),
// close every channel, and join the relays within a bounded grace period.
// Idempotent, and the only operation permitted from Tainted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.state == ChainTerminated {
		return nil
	}
	logrus.Infof("orchestrator: shutting down pipeline")

	frame, err := EncodeControl(TagShutdown, nil)
	if err == nil {
		for _, h := range o.stages {
			if err := h.ctrl.Send(ctx, frame); err != nil {
				logrus.Debugf("orchestrator: shutdown to stage %d: %v", h.idx, err)
			}
		}
	}
	for _, h := range o.stages {
		h.ctrl.Close()
	}
	if o.dataIn != nil {
		o.dataIn.Close()
	}
	if o.dataOut != nil {
		o.dataOut.Close()
	}
	for _, r := range o.relays {
		r.Close()
	}
	grace := time.NewTimer(relayGrace)
	defer grace.Stop()
	for _, r := range o.relays {
		select {
		case <-r.Done():
		case <-grace.C:
			logrus.Warnf("orchestrator: relay did not drain within grace period")
		case <-ctx.Done():
		}
	}

	o.state = ChainTerminated
	logrus.Infof("orchestrator: shutdown complete")
	return nil
}

func (o *Orchestrator) taint() {
	if o.state != ChainTerminated {
		o.state = ChainTainted
	}
}

// requireState rejects operations from the wrong lifecycle state. Tainted
// reports KindPipelineTainted so callers can distinguish it from misuse.
func (o *Orchestrator) requireState(op string, allowed ...ChainState) error {
	if o.state == ChainTainted {
		return Errorf(KindPipelineTainted, "%s: pipeline is tainted; only shutdown is allowed", op)
	}
	for _, s := range allowed {
		if o.state == s {
			return nil
		}
	}
	return Errorf(KindConfig, "%s: not allowed in state %s", op, o.state)
}

// deadlineHit reports whether err (or the operation context) is the
// operation deadline expiring.
func deadlineHit(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to the
		// clock rather than returning a constant.
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(b[:])
}
