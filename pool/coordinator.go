package pool

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/amphibian-ai/amphibian/config"
	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/identity"
	"github.com/amphibian-ai/amphibian/internal/metrics"
	"github.com/amphibian-ai/amphibian/internal/transport"
	"github.com/amphibian-ai/amphibian/types"
)

// State is the coordinator lifecycle.
type State string

const (
	StateIdle      State = "IDLE"
	StateListening State = "LISTENING"
	StateRunning   State = "RUNNING"
	StateDraining  State = "DRAINING"
	StateStopped   State = "STOPPED"
)

// Frame-rate budget per authenticated connection. Token streams are the
// hot path, so the limiter is generous; it exists to shed a runaway or
// hostile peer, not to pace normal traffic.
const (
	connFrameRate  rate.Limit = 500
	connFrameBurst            = 1000
)

// Options tunes a Coordinator. Zero durations fall back to defaults.
type Options struct {
	PoolName string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CancelDeadline    time.Duration
	NoWorkerTimeout   time.Duration
	DrainGrace        time.Duration

	ChunkTimeouts map[Capability]time.Duration
	WindowSizes   map[Capability]int

	Clock   types.Clock
	Logger  *zap.Logger
	Bus     *types.EventBus
	Metrics *metrics.Collector
}

// OptionsFromConfig maps the pool section of the configuration file onto
// coordinator options.
func OptionsFromConfig(cfg config.PoolConfig) Options {
	opts := Options{
		PoolName:          cfg.PoolName,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond,
		CancelDeadline:    time.Duration(cfg.CancelDeadlineMs) * time.Millisecond,
		NoWorkerTimeout:   time.Duration(cfg.NoWorkerTimeoutMs) * time.Millisecond,
		ChunkTimeouts:     make(map[Capability]time.Duration, len(cfg.ChunkTimeoutsByCapability)),
		WindowSizes:       make(map[Capability]int, len(cfg.WindowSizesByCapability)),
	}
	for name, ms := range cfg.ChunkTimeoutsByCapability {
		opts.ChunkTimeouts[Capability(name)] = time.Duration(ms) * time.Millisecond
	}
	for name, tokens := range cfg.WindowSizesByCapability {
		opts.WindowSizes[Capability(name)] = tokens
	}
	return opts
}

func (o *Options) withDefaults() {
	if o.PoolName == "" {
		o.PoolName = "amphibian-pool"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.CancelDeadline <= 0 {
		o.CancelDeadline = 2 * time.Second
	}
	if o.NoWorkerTimeout <= 0 {
		o.NoWorkerTimeout = 10 * time.Second
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 30 * time.Second
	}
	if o.ChunkTimeouts == nil {
		o.ChunkTimeouts = map[Capability]time.Duration{
			CapabilityLow:    30 * time.Second,
			CapabilityMedium: 15 * time.Second,
			CapabilityHigh:   8 * time.Second,
			CapabilityTPU:    4 * time.Second,
		}
	}
	if o.WindowSizes == nil {
		o.WindowSizes = map[Capability]int{
			CapabilityLow: 2, CapabilityMedium: 16, CapabilityHigh: 32, CapabilityTPU: 64,
		}
	}
	if o.Clock == nil {
		o.Clock = types.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// peerConn is one authenticated worker connection.
type peerConn struct {
	conn       transport.Conn
	deviceID   string
	capability Capability
	limiter    *rate.Limiter

	sendMu sync.Mutex
}

func (p *peerConn) send(ctx context.Context, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.conn.Send(ctx, data)
}

// Coordinator hosts a pool: it authenticates workers, splits queued
// inference tasks into capability-sized chunks, streams tokens back to
// callers, and reassigns work when a worker stalls or leaves.
//
// Chunks of one task are strictly serialized because each chunk's prefix
// carries the cumulative output so far. Distinct tasks run concurrently
// across workers.
type Coordinator struct {
	opts    Options
	log     *zap.Logger
	clock   types.Clock
	bus     *types.EventBus
	metrics *metrics.Collector

	identity *identity.Identity
	secret   string

	registry *Registry

	mu       sync.Mutex
	state    State
	queue    []*Task            // queued tasks, FIFO; requeues go to the front
	tasks    map[string]*Task   // every unsettled task
	inflight map[string]*inflight
	conns    map[string]*peerConn
	asms     map[string]*Assembler
	cancels  map[string]time.Time // chunkID -> force-release deadline

	listener transport.Listener
	runCtx   context.Context
	runStop  context.CancelFunc
	wg       sync.WaitGroup
}

// NewCoordinator creates an idle coordinator for the given host identity.
func NewCoordinator(id *identity.Identity, opts Options) (*Coordinator, error) {
	if id == nil {
		return nil, types.NewError(types.ErrInputInvalid, "host identity is required")
	}
	opts.withDefaults()
	secret, err := NewSecret()
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		opts:     opts,
		log:      opts.Logger.With(zap.String("component", "pool.coordinator")),
		clock:    opts.Clock,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		identity: id,
		secret:   secret,
		registry: NewRegistry(),
		state:    StateIdle,
		tasks:    make(map[string]*Task),
		inflight: make(map[string]*inflight),
		conns:    make(map[string]*peerConn),
		asms:     make(map[string]*Assembler),
		cancels:  make(map[string]time.Time),
	}, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ShareCode returns the joining credential for the running pool.
func (c *Coordinator) ShareCode() (ShareCode, error) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return ShareCode{}, types.NewError(types.ErrInputInvalid, "pool is not listening")
	}
	host, portStr, err := net.SplitHostPort(l.Addr())
	if err != nil {
		return ShareCode{}, types.NewError(types.ErrInputInvalid, "listener address is not host:port").WithCause(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ShareCode{}, types.NewError(types.ErrInputInvalid, "listener port is not numeric").WithCause(err)
	}
	return ShareCode{Host: host, Port: port, Secret: c.secret}, nil
}

// Start begins accepting workers on the listener. The coordinator owns
// the listener from here on and closes it on Stop.
func (c *Coordinator) Start(ctx context.Context, l transport.Listener) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return types.Errorf(types.ErrInputInvalid, "cannot start from state %s", c.state)
	}
	c.state = StateListening
	c.listener = l
	c.runCtx, c.runStop = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	c.wg.Add(2)
	go c.acceptLoop()
	go c.tickLoop()

	c.log.Info("pool listening",
		zap.String("pool", c.opts.PoolName),
		zap.String("addr", l.Addr()))
	return nil
}

func (c *Coordinator) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.listener.Accept(c.runCtx)
		if err != nil {
			if c.runCtx.Err() != nil {
				return
			}
			c.log.Warn("accept failed", zap.Error(err))
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleConn(conn)
		}()
	}
}

func (c *Coordinator) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick runs one maintenance pass: expire stalled chunks and heartbeats,
// fail starved tasks, then schedule.
func (c *Coordinator) tick() {
	now := c.clock.Now()
	c.sweep(now)
	c.schedule()
}

// Submit enqueues an inference request. The returned task streams tokens
// on Out and settles Done; read Err after Done closes.
func (c *Coordinator) Submit(msgs []engine.Message, maxTokens int, model string) (*Task, error) {
	if maxTokens <= 0 {
		return nil, types.NewError(types.ErrInputInvalid, "maxTokens must be positive")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateListening, StateRunning:
	default:
		return nil, types.Errorf(types.ErrPoolExhausted, "pool not accepting work in state %s", c.state).WithRetryable(true)
	}

	now := c.clock.Now()
	t := NewTask(uuid.NewString(), msgs, maxTokens, model, now)
	t.waitingSince = now
	c.tasks[t.ID] = t
	c.queue = append(c.queue, t)
	c.asms[t.ID] = NewAssembler(func(tok string) {
		t.Tokens = append(t.Tokens, tok)
		select {
		case t.Out <- tok:
		default:
		}
	})
	c.log.Debug("task queued", zap.String("task", t.ID), zap.Int("maxTokens", maxTokens))
	c.scheduleLocked()
	return t, nil
}

// Cancel aborts a task. Queued tasks settle immediately; for a running
// task the worker gets a CANCEL frame and its chunk slot is force-released
// after the cancel deadline if the worker never acknowledges.
func (c *Coordinator) Cancel(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return types.Errorf(types.ErrInputInvalid, "unknown task %s", taskID)
	}
	now := c.clock.Now()
	for chunkID, fl := range c.inflight {
		if fl.task != t {
			continue
		}
		c.cancels[chunkID] = now.Add(c.opts.CancelDeadline)
		if p := c.conns[fl.deviceID]; p != nil {
			c.wg.Add(1)
			go func(p *peerConn, chunkID string) {
				defer c.wg.Done()
				_ = p.send(context.Background(), CancelFrame{ChunkID: chunkID, TaskID: taskID})
			}(p, chunkID)
		}
	}
	c.settleLocked(t, TaskCancelled, nil, "cancelled by caller")
	return nil
}

// Stop drains the pool: no new tasks are accepted, running tasks get up
// to the drain grace period (bounded by ctx) to finish, then everything
// shuts down.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDraining
	c.mu.Unlock()
	c.log.Info("pool draining")

	drainCtx, cancel := context.WithTimeout(ctx, c.opts.DrainGrace)
	defer cancel()
	for {
		c.mu.Lock()
		empty := len(c.tasks) == 0
		c.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-drainCtx.Done():
			goto drained
		case <-time.After(20 * time.Millisecond):
		}
	}
drained:

	c.mu.Lock()
	for _, t := range c.tasks {
		c.settleLocked(t, TaskCancelled, types.NewError(types.ErrCancelled, "pool stopped"), "pool stopped")
	}
	conns := make([]*peerConn, 0, len(c.conns))
	for _, p := range c.conns {
		conns = append(conns, p)
	}
	c.state = StateStopped
	c.mu.Unlock()

	if c.runStop != nil {
		c.runStop()
	}
	if c.listener != nil {
		c.listener.Close()
	}
	for _, p := range conns {
		p.conn.Close()
	}
	c.wg.Wait()
	c.log.Info("pool stopped")
	return nil
}

// Devices returns a snapshot of the registry.
func (c *Coordinator) Devices() []DeviceRecord {
	return c.registry.Devices()
}

// HealthyWorkers returns the number of devices with a fresh heartbeat.
func (c *Coordinator) HealthyWorkers() int {
	return c.registry.HealthyCount(c.clock.Now(), c.opts.HeartbeatTimeout)
}

// --- connection handling ---

func (c *Coordinator) handleConn(conn transport.Conn) {
	p, err := c.handshake(conn)
	if err != nil {
		c.log.Debug("handshake rejected", zap.Error(err))
		conn.Close()
		return
	}
	c.readLoop(p)
}

// handshake runs the challenge exchange and registers the device.
func (c *Coordinator) handshake(conn transport.Conn) (*peerConn, error) {
	ctx, cancel := context.WithTimeout(c.runCtx, identity.ChallengeTTL)
	defer cancel()

	challenge, err := identity.NewChallenge()
	if err != nil {
		return nil, err
	}
	if err := sendFrame(ctx, conn, AuthRequiredFrame{Challenge: challenge}); err != nil {
		return nil, err
	}

	data, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		return nil, err
	}
	auth, ok := frame.(AuthFrame)
	if !ok {
		return nil, types.NewError(types.ErrAuthFailed, "expected AUTH frame")
	}

	reject := func(reason string) error {
		_ = sendFrame(ctx, conn, AuthFailFrame{Reason: reason})
		return types.NewError(types.ErrAuthFailed, reason)
	}

	if subtle.ConstantTimeCompare([]byte(auth.Secret), []byte(c.secret)) != 1 {
		return nil, reject("invalid pool secret")
	}
	if !ValidCapability(Capability(auth.Capability)) {
		return nil, reject("unknown capability")
	}
	pub, err := hex.DecodeString(auth.PublicKey)
	if err != nil || len(pub) != 32 {
		return nil, reject("malformed public key")
	}
	sig, err := hex.DecodeString(auth.Signature)
	if err != nil {
		return nil, reject("malformed signature")
	}
	now := c.clock.Now()
	if err := identity.VerifyChallenge(pub, auth.ID, challenge, auth.Timestamp, sig, now); err != nil {
		return nil, reject("challenge verification failed")
	}

	capability := Capability(auth.Capability)
	rec := &DeviceRecord{
		DeviceID:   auth.ID,
		Capability: capability,
		PublicKey:  pub,
		JoinedAt:   now.UnixMilli(),
	}
	if !c.registry.Register(rec) {
		return nil, reject("device id already in pool")
	}

	p := &peerConn{
		conn:       conn,
		deviceID:   auth.ID,
		capability: capability,
		limiter:    rate.NewLimiter(connFrameRate, connFrameBurst),
	}

	c.mu.Lock()
	peers := make([]PeerInfo, 0, len(c.conns))
	for _, other := range c.conns {
		peers = append(peers, PeerInfo{DeviceID: other.deviceID, Capability: string(other.capability)})
	}
	c.conns[auth.ID] = p
	c.updateStateLocked()
	c.mu.Unlock()

	if err := p.send(ctx, AuthSuccessFrame{DeviceID: auth.ID, PoolName: c.opts.PoolName, Peers: peers}); err != nil {
		// The device never completed the handshake, so it is removed
		// quietly: no device_left for a join that was never announced.
		c.mu.Lock()
		c.dropDeviceLocked(auth.ID)
		c.updateStateLocked()
		c.mu.Unlock()
		c.metrics.SetDevicesOnline(c.registry.Len())
		return nil, err
	}

	c.metrics.SetDevicesOnline(c.registry.Len())
	c.broadcast(PeerJoinedFrame{Device: PeerInfo{DeviceID: auth.ID, Capability: string(capability)}}, auth.ID)
	c.publish(types.Event{
		Kind:   types.EventDeviceJoined,
		Device: &types.DeviceRef{DeviceID: auth.ID, Capability: string(capability)},
	})
	c.log.Info("device joined",
		zap.String("device", auth.ID),
		zap.String("capability", string(capability)))

	c.schedule()
	return p, nil
}

func (c *Coordinator) readLoop(p *peerConn) {
	for {
		data, err := p.conn.Receive(c.runCtx)
		if err != nil {
			if c.runCtx.Err() == nil {
				c.dropDevice(p.deviceID, "connection lost")
			}
			return
		}
		if !p.limiter.Allow() {
			c.log.Warn("frame rate exceeded, dropping frame", zap.String("device", p.deviceID))
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn("undecodable frame", zap.String("device", p.deviceID), zap.Error(err))
			continue
		}
		switch f := frame.(type) {
		case HeartbeatFrame:
			c.registry.Heartbeat(p.deviceID, f.Load, f.ActiveChunks, c.clock.Now())
		case ChunkTokenFrame:
			c.onToken(p.deviceID, f)
		case ChunkDoneFrame:
			c.onChunkDone(p.deviceID, f.ChunkID)
		case ChunkFailFrame:
			c.onChunkFail(p.deviceID, f.ChunkID, f.Reason)
		default:
			c.log.Debug("ignoring frame", zap.String("device", p.deviceID))
		}
	}
}

// onToken appends one streamed token to its task. Tokens for chunks that
// are no longer inflight (timed out, cancelled) are dropped.
func (c *Coordinator) onToken(deviceID string, f ChunkTokenFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fl, ok := c.inflight[f.ChunkID]
	if !ok || fl.deviceID != deviceID {
		return
	}
	if _, cancelled := c.cancels[f.ChunkID]; cancelled {
		return
	}
	if fl.received >= fl.budget {
		return
	}
	fl.received++
	if asm := c.asms[fl.task.ID]; asm != nil {
		asm.Push(fl.seq, f.Text)
	}
}

func (c *Coordinator) onChunkDone(deviceID, chunkID string) {
	c.mu.Lock()
	fl, ok := c.inflight[chunkID]
	if !ok || fl.deviceID != deviceID {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, chunkID)
	delete(c.cancels, chunkID)
	now := c.clock.Now()
	latency := now.Sub(fl.dispatched)
	t := fl.task

	if asm := c.asms[t.ID]; asm != nil {
		asm.Finish(fl.seq)
	}

	taskDone := t.State == TaskRunning && t.Remaining() <= 0
	c.registry.Release(deviceID, latency, true, taskDone)
	if rec, ok := c.registry.Get(deviceID); ok {
		c.metrics.RecordChunkComplete(string(rec.Capability), latency)
	}

	if t.State == TaskRunning {
		if taskDone {
			c.settleLocked(t, TaskDone, nil, "")
		} else {
			t.State = TaskQueued
			t.waitingSince = now
			c.queue = append([]*Task{t}, c.queue...)
		}
	}
	c.scheduleLocked()
	c.mu.Unlock()
}

func (c *Coordinator) onChunkFail(deviceID, chunkID, reason string) {
	c.mu.Lock()
	fl, ok := c.inflight[chunkID]
	if !ok || fl.deviceID != deviceID {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, chunkID)
	delete(c.cancels, chunkID)
	c.registry.Release(deviceID, 0, false, false)
	c.requeueLocked(fl, "worker_failed")
	c.log.Warn("chunk failed on worker",
		zap.String("chunk", chunkID),
		zap.String("device", deviceID),
		zap.String("reason", reason))
	c.scheduleLocked()
	c.mu.Unlock()
}

// --- scheduling ---

func (c *Coordinator) schedule() {
	c.mu.Lock()
	c.scheduleLocked()
	c.mu.Unlock()
}

// scheduleLocked dispatches queued tasks to eligible workers, in queue
// order, one inflight chunk per task. Caller holds c.mu.
func (c *Coordinator) scheduleLocked() {
	if c.state != StateListening && c.state != StateRunning {
		return
	}
	now := c.clock.Now()
	remaining := c.queue[:0]
	for i, t := range c.queue {
		if t.State != TaskQueued {
			continue
		}
		dev := c.registry.Acquire(now, c.opts.HeartbeatTimeout)
		if dev == nil {
			remaining = append(remaining, c.queue[i:]...)
			break
		}
		p := c.conns[dev.DeviceID]
		if p == nil {
			// registry and conn map briefly disagree during a drop
			c.registry.Release(dev.DeviceID, 0, false, false)
			remaining = append(remaining, t)
			continue
		}
		c.dispatchLocked(t, dev, p, now)
	}
	c.queue = remaining
	c.updateStateLocked()
}

func (c *Coordinator) dispatchLocked(t *Task, dev *DeviceRecord, p *peerConn, now time.Time) {
	chunkID := uuid.NewString()
	chunk := t.NextChunk(dev.Capability, c.opts.WindowSizes, chunkID)
	if chunk == nil {
		c.registry.Release(dev.DeviceID, 0, false, false)
		return
	}
	t.State = TaskRunning
	timeout := c.opts.ChunkTimeouts[dev.Capability]
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.inflight[chunkID] = &inflight{
		task:       t,
		chunkID:    chunkID,
		seq:        chunk.Seq,
		deviceID:   dev.DeviceID,
		budget:     chunk.MaxTokens,
		dispatched: now,
		deadline:   now.Add(timeout),
	}
	c.metrics.RecordChunkDispatch(string(dev.Capability))
	c.log.Debug("chunk dispatched",
		zap.String("task", t.ID),
		zap.String("chunk", chunkID),
		zap.Int("seq", chunk.Seq),
		zap.Int("budget", chunk.MaxTokens),
		zap.String("device", dev.DeviceID))

	frame := *chunk
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := p.send(context.WithoutCancel(c.runCtx), frame); err != nil {
			c.log.Warn("chunk send failed", zap.String("chunk", chunkID), zap.Error(err))
			c.dropDevice(p.deviceID, "send failed")
		}
	}()
}

// requeueLocked folds an interrupted chunk back into its task. Tokens
// already received stay; the re-queued work covers only the remainder.
func (c *Coordinator) requeueLocked(fl *inflight, reason string) {
	t := fl.task
	if asm := c.asms[t.ID]; asm != nil {
		asm.Finish(fl.seq)
	}
	c.metrics.RecordChunkRequeue(reason)
	if t.State != TaskRunning {
		return
	}
	now := c.clock.Now()
	if t.Remaining() <= 0 {
		c.settleLocked(t, TaskDone, nil, "")
		return
	}
	t.State = TaskQueued
	t.waitingSince = now
	c.queue = append([]*Task{t}, c.queue...)
}

// sweep expires stalled chunks, overdue cancels, dead heartbeats, and
// starved tasks.
func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()

	var dropped []droppedPeer
	for chunkID, fl := range c.inflight {
		deadline := fl.deadline
		if forced, ok := c.cancels[chunkID]; ok && forced.Before(deadline) {
			deadline = forced
		}
		if !now.After(deadline) {
			continue
		}
		delete(c.inflight, chunkID)
		if _, cancelled := c.cancels[chunkID]; cancelled {
			delete(c.cancels, chunkID)
			c.registry.Release(fl.deviceID, 0, false, false)
			continue
		}
		strikes := c.registry.RecordTimeout(fl.deviceID)
		c.log.Warn("chunk timed out",
			zap.String("chunk", chunkID),
			zap.String("device", fl.deviceID),
			zap.Int("tokensReceived", fl.received),
			zap.Int("strikes", strikes))
		c.requeueLocked(fl, "timeout")
		if strikes >= 3 {
			c.metrics.RecordDeviceEvicted()
			if p, ok := c.dropDeviceLocked(fl.deviceID); ok {
				dropped = append(dropped, droppedPeer{p, fl.deviceID, "repeated chunk timeouts"})
			}
		}
	}

	for _, rec := range c.registry.Devices() {
		if now.UnixMilli()-rec.LastHeartbeat > c.opts.HeartbeatTimeout.Milliseconds() {
			if p, ok := c.dropDeviceLocked(rec.DeviceID); ok {
				dropped = append(dropped, droppedPeer{p, rec.DeviceID, "heartbeat timeout"})
			}
		}
	}

	for _, t := range c.tasks {
		if t.State != TaskQueued {
			continue
		}
		if now.Sub(t.waitingSince) >= c.opts.NoWorkerTimeout {
			c.settleLocked(t, TaskFailed,
				types.NewError(types.ErrPoolExhausted, "no worker available").WithRetryable(true),
				"no worker available")
		}
	}
	c.scheduleLocked()
	c.mu.Unlock()

	for _, d := range dropped {
		c.announceDrop(d)
	}
}

type droppedPeer struct {
	conn     *peerConn
	deviceID string
	reason   string
}

// dropDevice removes a device and reassigns its inflight chunks. Safe to
// call without c.mu.
func (c *Coordinator) dropDevice(deviceID, reason string) {
	c.mu.Lock()
	p, ok := c.dropDeviceLocked(deviceID)
	if ok {
		c.scheduleLocked()
	}
	c.mu.Unlock()
	if ok {
		c.announceDrop(droppedPeer{p, deviceID, reason})
	}
}

// dropDeviceLocked unregisters a device and folds its inflight chunks
// back into their tasks. Caller holds c.mu and must announceDrop after
// releasing it.
func (c *Coordinator) dropDeviceLocked(deviceID string) (*peerConn, bool) {
	if !c.registry.Remove(deviceID) {
		return nil, false
	}
	p := c.conns[deviceID]
	delete(c.conns, deviceID)
	for chunkID, fl := range c.inflight {
		if fl.deviceID != deviceID {
			continue
		}
		delete(c.inflight, chunkID)
		delete(c.cancels, chunkID)
		c.requeueLocked(fl, "device_left")
	}
	return p, true
}

func (c *Coordinator) announceDrop(d droppedPeer) {
	if d.conn != nil {
		d.conn.conn.Close()
	}
	c.metrics.SetDevicesOnline(c.registry.Len())
	c.broadcast(PeerLeftFrame{Device: PeerInfo{DeviceID: d.deviceID}}, d.deviceID)
	c.publish(types.Event{
		Kind:   types.EventDeviceLeft,
		Device: &types.DeviceRef{DeviceID: d.deviceID, Reason: d.reason},
	})
	c.log.Info("device left", zap.String("device", d.deviceID), zap.String("reason", d.reason))
}

// settleLocked finishes a task and publishes its terminal event. Caller
// holds c.mu.
func (c *Coordinator) settleLocked(t *Task, state TaskState, err error, reason string) {
	if _, live := c.tasks[t.ID]; !live {
		return
	}
	delete(c.tasks, t.ID)
	delete(c.asms, t.ID)
	for i, queued := range c.queue {
		if queued == t {
			c.queue = append(c.queue[:i:i], c.queue[i+1:]...)
			break
		}
	}
	t.settle(state, err)
	c.metrics.RecordTaskSettled(string(state))
	kind := types.EventTaskCompleted
	if state != TaskDone {
		kind = types.EventTaskFailed
	}
	c.publish(types.Event{Kind: kind, Task: &types.TaskRef{TaskID: t.ID, Reason: reason}})
}

// updateStateLocked keeps LISTENING/RUNNING in step with pool membership:
// the first accepted worker flips the pool to RUNNING, and it falls back
// to LISTENING when the registry empties.
func (c *Coordinator) updateStateLocked() {
	switch c.state {
	case StateListening:
		if c.registry.Len() > 0 {
			c.state = StateRunning
		}
	case StateRunning:
		if c.registry.Len() == 0 {
			c.state = StateListening
		}
	}
}

func (c *Coordinator) broadcast(f Frame, exceptDeviceID string) {
	c.mu.Lock()
	targets := make([]*peerConn, 0, len(c.conns))
	for id, p := range c.conns {
		if id != exceptDeviceID {
			targets = append(targets, p)
		}
	}
	c.mu.Unlock()
	c.wg.Add(len(targets))
	for _, p := range targets {
		go func(p *peerConn) {
			defer c.wg.Done()
			_ = p.send(context.Background(), f)
		}(p)
	}
}

func (c *Coordinator) publish(ev types.Event) {
	if c.bus == nil {
		return
	}
	ev.OccurredAt = c.clock.Now()
	c.bus.Publish(ev)
}

func sendFrame(ctx context.Context, conn transport.Conn, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return conn.Send(ctx, data)
}
