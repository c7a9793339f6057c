package pool

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/identity"
	"github.com/amphibian-ai/amphibian/internal/transport"
	"github.com/amphibian-ai/amphibian/types"
)

// Sustained load at or above this level for overloadStrikes consecutive
// heartbeats downgrades the advertised capability one class.
const (
	overloadLoad    = 0.9
	overloadStrikes = 3
)

// WorkerOptions tunes a Worker.
type WorkerOptions struct {
	Capability        Capability
	HeartbeatInterval time.Duration

	// Dial opens the transport to the coordinator; defaults to WebSocket.
	Dial transport.Dialer
	// Load reports current device load in [0,1]; defaults to always 0.
	Load func() float64

	Clock  types.Clock
	Logger *zap.Logger
}

func (o *WorkerOptions) withDefaults() {
	if o.Capability == "" {
		o.Capability = CapabilityMedium
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.Dial == nil {
		o.Dial = transport.DialWS
	}
	if o.Load == nil {
		o.Load = func() float64 { return 0 }
	}
	if o.Clock == nil {
		o.Clock = types.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Worker joins a pool with a share code and executes inference chunks on
// the local engine, streaming tokens back as they are produced.
type Worker struct {
	id     *identity.Identity
	engine engine.Engine
	opts   WorkerOptions
	log    *zap.Logger
	clock  types.Clock

	mu         sync.Mutex
	conn       transport.Conn
	capability Capability
	poolName   string
	active     map[string]context.CancelFunc // chunkID -> abort
	overload   int
	joined     bool

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker creates a worker for the given identity and local engine.
func NewWorker(id *identity.Identity, eng engine.Engine, opts WorkerOptions) (*Worker, error) {
	if id == nil {
		return nil, types.NewError(types.ErrInputInvalid, "worker identity is required")
	}
	if eng == nil {
		return nil, types.NewError(types.ErrInputInvalid, "worker engine is required")
	}
	opts.withDefaults()
	return &Worker{
		id:         id,
		engine:     eng,
		opts:       opts,
		log:        opts.Logger.With(zap.String("component", "pool.worker")),
		clock:      opts.Clock,
		capability: opts.Capability,
		active:     make(map[string]context.CancelFunc),
	}, nil
}

// Capability returns the currently advertised capability class. It can
// shift down from the configured class after sustained overload.
func (w *Worker) Capability() Capability {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capability
}

// Join dials the coordinator from the share code, completes the challenge
// handshake, and starts serving chunks until Leave or connection loss.
func (w *Worker) Join(ctx context.Context, code ShareCode) error {
	w.mu.Lock()
	if w.joined {
		w.mu.Unlock()
		return types.NewError(types.ErrInputInvalid, "worker already joined a pool")
	}
	w.mu.Unlock()

	conn, err := w.opts.Dial(ctx, code.Addr())
	if err != nil {
		return types.NewError(types.ErrTransportLost, "dial coordinator").WithCause(err).WithRetryable(true)
	}

	if err := w.handshake(ctx, conn, code.Secret); err != nil {
		conn.Close()
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.joined = true
	w.mu.Unlock()
	w.runCtx, w.runStop = context.WithCancel(context.WithoutCancel(ctx))

	w.wg.Add(2)
	go w.readLoop()
	go w.heartbeatLoop()

	w.log.Info("joined pool",
		zap.String("pool", w.poolName),
		zap.String("device", w.id.ID),
		zap.String("capability", string(w.Capability())))
	return nil
}

func (w *Worker) handshake(ctx context.Context, conn transport.Conn, secret string) error {
	data, err := conn.Receive(ctx)
	if err != nil {
		return types.NewError(types.ErrTransportLost, "await challenge").WithCause(err)
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	required, ok := frame.(AuthRequiredFrame)
	if !ok {
		return types.NewError(types.ErrAuthFailed, "expected AUTH_REQUIRED frame")
	}

	ts := w.clock.Now().UnixMilli()
	sig, err := w.id.SignChallenge(required.Challenge, ts)
	if err != nil {
		return err
	}
	auth := AuthFrame{
		ID:         w.id.ID,
		PublicKey:  hex.EncodeToString(w.id.PublicKey),
		Capability: string(w.Capability()),
		Secret:     secret,
		Timestamp:  ts,
		Signature:  hex.EncodeToString(sig),
	}
	if err := sendFrame(ctx, conn, auth); err != nil {
		return err
	}

	data, err = conn.Receive(ctx)
	if err != nil {
		return types.NewError(types.ErrTransportLost, "await auth result").WithCause(err)
	}
	frame, err = DecodeFrame(data)
	if err != nil {
		return err
	}
	switch f := frame.(type) {
	case AuthSuccessFrame:
		w.mu.Lock()
		w.poolName = f.PoolName
		w.mu.Unlock()
		return nil
	case AuthFailFrame:
		return types.Errorf(types.ErrAuthFailed, "pool rejected join: %s", f.Reason)
	default:
		return types.NewError(types.ErrAuthFailed, "unexpected frame after AUTH")
	}
}

// Leave cancels running chunks and disconnects.
func (w *Worker) Leave() {
	w.mu.Lock()
	if !w.joined {
		w.mu.Unlock()
		return
	}
	w.joined = false
	conn := w.conn
	for _, cancel := range w.active {
		cancel()
	}
	w.mu.Unlock()

	if w.runStop != nil {
		w.runStop()
	}
	if conn != nil {
		conn.Close()
	}
	w.wg.Wait()
	w.log.Info("left pool", zap.String("pool", w.poolName))
}

func (w *Worker) readLoop() {
	defer w.wg.Done()
	for {
		data, err := w.conn.Receive(w.runCtx)
		if err != nil {
			if w.runCtx.Err() == nil {
				w.log.Warn("pool connection lost", zap.Error(err))
			}
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			w.log.Warn("undecodable frame from coordinator", zap.Error(err))
			continue
		}
		switch f := frame.(type) {
		case ChunkFrame:
			w.startChunk(f)
		case CancelFrame:
			w.cancelChunk(f.ChunkID)
		case PeerJoinedFrame:
			w.log.Debug("peer joined", zap.String("device", f.Device.DeviceID))
		case PeerLeftFrame:
			w.log.Debug("peer left", zap.String("device", f.Device.DeviceID))
		default:
			w.log.Debug("ignoring frame")
		}
	}
}

func (w *Worker) startChunk(chunk ChunkFrame) {
	ctx, cancel := context.WithCancel(w.runCtx)
	w.mu.Lock()
	w.active[chunk.ChunkID] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			cancel()
			w.mu.Lock()
			delete(w.active, chunk.ChunkID)
			w.mu.Unlock()
		}()
		w.execChunk(ctx, chunk)
	}()
}

func (w *Worker) cancelChunk(chunkID string) {
	w.mu.Lock()
	cancel := w.active[chunkID]
	w.mu.Unlock()
	if cancel != nil {
		w.log.Debug("cancelling chunk", zap.String("chunk", chunkID))
		cancel()
	}
}

// execChunk runs one chunk on the local engine. The prefix rides in as a
// partial assistant turn so the model continues mid-thought; tokens stream
// back one frame each, capped at the chunk budget.
func (w *Worker) execChunk(ctx context.Context, chunk ChunkFrame) {
	msgs := chunk.Messages
	if chunk.Prefix != "" {
		msgs = append(append([]engine.Message{}, msgs...), engine.Message{
			Role:    engine.RoleAssistant,
			Content: chunk.Prefix,
		})
	}

	stream, err := w.engine.ChatStream(ctx, msgs)
	if err != nil {
		w.reportFail(chunk.ChunkID, err)
		return
	}

	sent := 0
	for tok := range stream {
		if ctx.Err() != nil {
			w.reportFail(chunk.ChunkID, types.NewError(types.ErrCancelled, "chunk cancelled"))
			return
		}
		if err := w.send(ChunkTokenFrame{ChunkID: chunk.ChunkID, Seq: sent, Text: tok}); err != nil {
			return
		}
		sent++
		if sent >= chunk.MaxTokens {
			break
		}
	}
	if ctx.Err() != nil {
		w.reportFail(chunk.ChunkID, types.NewError(types.ErrCancelled, "chunk cancelled"))
		return
	}
	_ = w.send(ChunkDoneFrame{ChunkID: chunk.ChunkID})
	w.log.Debug("chunk done", zap.String("chunk", chunk.ChunkID), zap.Int("tokens", sent))
}

func (w *Worker) reportFail(chunkID string, cause error) {
	_ = w.send(ChunkFailFrame{ChunkID: chunkID, Reason: cause.Error()})
	w.log.Warn("chunk failed", zap.String("chunk", chunkID), zap.Error(cause))
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

// beat sends one heartbeat and tracks sustained overload.
func (w *Worker) beat() {
	load := w.opts.Load()
	w.mu.Lock()
	activeChunks := len(w.active)
	if load >= overloadLoad {
		w.overload++
		if w.overload >= overloadStrikes {
			if down := w.capability.Downgrade(); down != w.capability {
				w.log.Warn("sustained overload, downgrading capability",
					zap.String("from", string(w.capability)),
					zap.String("to", string(down)),
					zap.Float64("load", load))
				w.capability = down
			}
			w.overload = 0
		}
	} else {
		w.overload = 0
	}
	w.mu.Unlock()

	_ = w.send(HeartbeatFrame{Load: load, ActiveChunks: activeChunks})
}

func (w *Worker) send(f Frame) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return types.NewError(types.ErrTransportLost, "not connected")
	}
	return sendFrame(w.runCtx, conn, f)
}
