package pool

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/identity"
	"github.com/amphibian-ai/amphibian/internal/transport"
	"github.com/amphibian-ai/amphibian/testutil"
	"github.com/amphibian-ai/amphibian/types"
)

// stallEngine emits a fixed number of sequential tokens per call and then
// blocks until the stream context is cancelled.
type stallEngine struct {
	mu      sync.Mutex
	perCall int
	next    int
}

func (e *stallEngine) Chat(ctx context.Context, _ []engine.Message) (*engine.Reply, error) {
	return nil, types.NewError(types.ErrInputInvalid, "stream only")
}

func (e *stallEngine) ChatStream(ctx context.Context, _ []engine.Message) (<-chan string, error) {
	e.mu.Lock()
	start := e.next
	e.next += e.perCall
	e.mu.Unlock()

	out := make(chan string, e.perCall)
	go func() {
		defer close(out)
		for i := 0; i < e.perCall; i++ {
			out <- fmt.Sprintf("t%d", start+i+1)
		}
		<-ctx.Done()
	}()
	return out, nil
}

func testOptions(clock types.Clock) Options {
	return Options{
		PoolName: "test-pool",
		// Long real-time intervals so tests drive sweeps explicitly
		// through the virtual clock.
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  100 * time.Hour,
		CancelDeadline:    2 * time.Second,
		NoWorkerTimeout:   10 * time.Second,
		DrainGrace:        time.Second,
		Clock:             clock,
	}
}

func newTestPool(t *testing.T, clock types.Clock) (*Coordinator, *transport.MemListener) {
	t.Helper()
	hostID, err := identity.Generate()
	require.NoError(t, err)
	c, err := NewCoordinator(hostID, testOptions(clock))
	require.NoError(t, err)
	mem := transport.NewMemListener("127.0.0.1:9999")
	require.NoError(t, c.Start(context.Background(), mem))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, mem
}

// joinWorker connects a fresh worker over the in-memory listener. The
// coordinator's clock must be threaded through so the challenge timestamp
// lands inside the verification window.
func joinWorker(t *testing.T, mem *transport.MemListener, eng engine.Engine, cap Capability, clock types.Clock, code ShareCode) *Worker {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	w, err := NewWorker(id, eng, WorkerOptions{
		Capability:        cap,
		HeartbeatInterval: time.Hour,
		Clock:             clock,
		Dial: func(ctx context.Context, _ string) (transport.Conn, error) {
			return mem.Dial(ctx)
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Join(context.Background(), code))
	t.Cleanup(w.Leave)
	return w
}

func recvTokens(t *testing.T, task *Task, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for len(out) < n {
		select {
		case tok, ok := <-task.Out:
			if !ok {
				t.Fatalf("token stream closed after %d of %d tokens", len(out), n)
			}
			out = append(out, tok)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for token %d of %d", len(out)+1, n)
		}
	}
	return out
}

func waitSettled(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not settle")
	}
}

func TestCoordinatorRunsTaskOnSingleWorker(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	code, err := c.ShareCode()
	require.NoError(t, err)

	eng := testutil.NewScriptedEngine("hello")
	joinWorker(t, mem, eng, CapabilityHigh, clock, code)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "hi"}}, 5, "")
	require.NoError(t, err)

	waitSettled(t, task)
	require.NoError(t, task.Err)
	assert.Equal(t, TaskDone, task.State)
	assert.Equal(t, []string{"h", "e", "l", "l", "o"}, task.Tokens)
}

func TestCoordinatorSplitsAcrossWindows(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	code, err := c.ShareCode()
	require.NoError(t, err)

	// A low-capability worker gets two tokens per chunk, so an eight
	// token budget takes four serialized chunks.
	eng := &stallEngineDoneAfter{perCall: 2}
	joinWorker(t, mem, eng, CapabilityLow, clock, code)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "go"}}, 8, "")
	require.NoError(t, err)

	waitSettled(t, task)
	require.NoError(t, task.Err)
	assert.Len(t, task.Tokens, 8)
	assert.Equal(t, 4, eng.calls())
	// Every chunk after the first carried the cumulative output so far.
	prefixes := eng.prefixes()
	require.Len(t, prefixes, 4)
	for i, prefix := range prefixes {
		assert.Equal(t, strings.Join(task.Tokens[:2*i], ""), prefix, "chunk %d", i)
	}
}

// stallEngineDoneAfter emits perCall sequential tokens per call and then
// closes the stream, recording the assistant prefix it was handed.
type stallEngineDoneAfter struct {
	mu       sync.Mutex
	perCall  int
	next     int
	prefixed []string
}

func (e *stallEngineDoneAfter) Chat(ctx context.Context, _ []engine.Message) (*engine.Reply, error) {
	return nil, types.NewError(types.ErrInputInvalid, "stream only")
}

func (e *stallEngineDoneAfter) ChatStream(ctx context.Context, msgs []engine.Message) (<-chan string, error) {
	e.mu.Lock()
	start := e.next
	e.next += e.perCall
	prefix := ""
	if last := msgs[len(msgs)-1]; last.Role == engine.RoleAssistant {
		prefix = last.Content
	}
	e.prefixed = append(e.prefixed, prefix)
	e.mu.Unlock()

	out := make(chan string, e.perCall)
	for i := 0; i < e.perCall; i++ {
		out <- fmt.Sprintf("t%d", start+i+1)
	}
	close(out)
	return out, nil
}

func (e *stallEngineDoneAfter) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prefixed)
}

func (e *stallEngineDoneAfter) prefixes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.prefixed...)
}

func TestCoordinatorReassignsAfterWorkerStall(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	bus := types.NewEventBus(nil)
	t.Cleanup(bus.Stop)
	deviceLeft := make(chan types.Event, 4)
	bus.Subscribe(types.EventDeviceLeft, func(ev types.Event) { deviceLeft <- ev })

	hostID, err := identity.Generate()
	require.NoError(t, err)
	opts := testOptions(clock)
	opts.Bus = bus
	c, err := NewCoordinator(hostID, opts)
	require.NoError(t, err)
	mem := transport.NewMemListener("127.0.0.1:9999")
	require.NoError(t, c.Start(context.Background(), mem))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	code, err := c.ShareCode()
	require.NoError(t, err)

	staller := &stallEngine{perCall: 4}
	stallWorker := joinWorker(t, mem, staller, CapabilityMedium, clock, code)
	backup := joinWorker(t, mem, testutil.NewScriptedEngine(), CapabilityLow, clock, code)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "story"}}, 16, "")
	require.NoError(t, err)

	// The medium worker stalls after four tokens of each 16-token chunk.
	// Each sweep past the chunk deadline requeues the remainder; the
	// third consecutive timeout evicts the device.
	for round := 0; round < 3; round++ {
		recvTokens(t, task, 4)
		clock.Advance(15*time.Second + time.Millisecond)
		c.sweep(clock.Now())
	}

	waitSettled(t, task)
	require.NoError(t, task.Err)
	assert.Equal(t, TaskDone, task.State)
	assert.Len(t, task.Tokens, 16)
	// Tokens produced before each stall were kept verbatim.
	for i := 0; i < 12; i++ {
		assert.Equal(t, fmt.Sprintf("t%d", i+1), task.Tokens[i])
	}

	select {
	case ev := <-deviceLeft:
		assert.Equal(t, stallWorker.id.ID, ev.Device.DeviceID)
		assert.Equal(t, "repeated chunk timeouts", ev.Device.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no device_left event")
	}

	devices := c.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, backup.id.ID, devices[0].DeviceID)
}

func TestCoordinatorFailsTaskWithNoWorkers(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, _ := newTestPool(t, clock)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "hi"}}, 4, "")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	c.sweep(clock.Now())

	waitSettled(t, task)
	require.Error(t, task.Err)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(task.Err))
	assert.True(t, types.IsRetryable(task.Err))
}

func TestCoordinatorCancelReleasesSlotAfterDeadline(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	code, err := c.ShareCode()
	require.NoError(t, err)

	staller := &stallEngine{perCall: 2}
	w := joinWorker(t, mem, staller, CapabilityMedium, clock, code)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "hi"}}, 16, "")
	require.NoError(t, err)
	recvTokens(t, task, 2)

	require.NoError(t, c.Cancel(task.ID))
	waitSettled(t, task)
	assert.Equal(t, TaskCancelled, task.State)

	// The slot comes back either through the worker's acknowledgement or
	// the cancel-deadline sweep, and neither path counts a timeout strike.
	clock.Advance(2*time.Second + time.Millisecond)
	c.sweep(clock.Now())
	require.Eventually(t, func() bool {
		rec, ok := c.registry.Get(w.id.ID)
		return ok && rec.ActiveChunks == 0
	}, 2*time.Second, 10*time.Millisecond)
	rec, ok := c.registry.Get(w.id.ID)
	require.True(t, ok)
	assert.Equal(t, 0, rec.ConsecutiveTimeouts)
}

func TestCoordinatorCancelUnknownTask(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, _ := newTestPool(t, clock)
	err := c.Cancel("nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrInputInvalid, types.GetErrorCode(err))
}

func TestCoordinatorRejectsBadSecret(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	_ = c

	conn, err := mem.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	fail := runHandshake(t, conn, clock, func(f *AuthFrame) { f.Secret = "wrong" })
	assert.Equal(t, "invalid pool secret", fail.Reason)
}

func TestCoordinatorRejectsBadSignature(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	code, err := c.ShareCode()
	require.NoError(t, err)

	conn, err := mem.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	fail := runHandshake(t, conn, clock, func(f *AuthFrame) {
		f.Secret = code.Secret
		sig := make([]byte, 64)
		f.Signature = hex.EncodeToString(sig)
	})
	assert.Equal(t, "challenge verification failed", fail.Reason)
}

func TestCoordinatorRejectsDuplicateDevice(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	code, err := c.ShareCode()
	require.NoError(t, err)

	id, err := identity.Generate()
	require.NoError(t, err)
	dial := func(ctx context.Context, _ string) (transport.Conn, error) { return mem.Dial(ctx) }

	first, err := NewWorker(id, testutil.NewScriptedEngine(), WorkerOptions{
		Capability: CapabilityLow, HeartbeatInterval: time.Hour, Clock: clock, Dial: dial,
	})
	require.NoError(t, err)
	require.NoError(t, first.Join(context.Background(), code))
	t.Cleanup(first.Leave)

	second, err := NewWorker(id, testutil.NewScriptedEngine(), WorkerOptions{
		Capability: CapabilityLow, HeartbeatInterval: time.Hour, Clock: clock, Dial: dial,
	})
	require.NoError(t, err)
	err = second.Join(context.Background(), code)
	require.Error(t, err)
	assert.Equal(t, types.ErrAuthFailed, types.GetErrorCode(err))
}

// runHandshake answers the challenge with a fresh identity, letting the
// caller corrupt the AUTH frame, and returns the rejection. The timestamp
// comes from the pool's clock so only the mutation can cause the failure.
func runHandshake(t *testing.T, conn transport.Conn, clock types.Clock, mutate func(*AuthFrame)) AuthFailFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := conn.Receive(ctx)
	require.NoError(t, err)
	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	required, ok := frame.(AuthRequiredFrame)
	require.True(t, ok)

	id, err := identity.Generate()
	require.NoError(t, err)
	ts := clock.Now().UnixMilli()
	sig, err := id.SignChallenge(required.Challenge, ts)
	require.NoError(t, err)

	auth := AuthFrame{
		ID:         id.ID,
		PublicKey:  hex.EncodeToString(id.PublicKey),
		Capability: string(CapabilityLow),
		Timestamp:  ts,
		Signature:  hex.EncodeToString(sig),
	}
	mutate(&auth)

	payload, err := EncodeFrame(auth)
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, payload))

	data, err = conn.Receive(ctx)
	require.NoError(t, err)
	frame, err = DecodeFrame(data)
	require.NoError(t, err)
	fail, ok := frame.(AuthFailFrame)
	require.True(t, ok, "expected AUTH_FAIL, got %T", frame)
	return fail
}

func TestCoordinatorDrainRejectsNewWork(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	hostID, err := identity.Generate()
	require.NoError(t, err)
	c, err := NewCoordinator(hostID, testOptions(clock))
	require.NoError(t, err)
	mem := transport.NewMemListener("127.0.0.1:9999")
	require.NoError(t, c.Start(context.Background(), mem))

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())

	_, err = c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "hi"}}, 4, "")
	require.Error(t, err)
	assert.Equal(t, types.ErrPoolExhausted, types.GetErrorCode(err))
}

func TestCoordinatorStateLifecycle(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	hostID, err := identity.Generate()
	require.NoError(t, err)
	c, err := NewCoordinator(hostID, testOptions(clock))
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())

	mem := transport.NewMemListener("127.0.0.1:9999")
	require.NoError(t, c.Start(context.Background(), mem))
	assert.Equal(t, StateListening, c.State())

	require.Error(t, c.Start(context.Background(), mem), "double start must fail")
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.State())
}

func TestCoordinatorRunsWhileWorkersPresent(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	assert.Equal(t, StateListening, c.State())

	code, err := c.ShareCode()
	require.NoError(t, err)

	// The first accepted worker flips the pool to RUNNING even with no
	// task submitted.
	w := joinWorker(t, mem, testutil.NewScriptedEngine(), CapabilityLow, clock, code)
	assert.Equal(t, StateRunning, c.State())

	// The pool falls back to LISTENING once the registry empties.
	w.Leave()
	require.Eventually(t, func() bool {
		return c.State() == StateListening
	}, 2*time.Second, 10*time.Millisecond)
}

// A timed-out chunk is withdrawn before its remainder is handed out again,
// so no two live workers ever hold the same piece of a task.
func TestCoordinatorTimedOutChunkHasSingleOwner(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, mem := newTestPool(t, clock)
	code, err := c.ShareCode()
	require.NoError(t, err)

	staller := &stallEngine{perCall: 4}
	joinWorker(t, mem, staller, CapabilityMedium, clock, code)
	joinWorker(t, mem, testutil.NewScriptedEngine(), CapabilityLow, clock, code)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "story"}}, 16, "")
	require.NoError(t, err)

	inflightChunks := func() []string {
		c.mu.Lock()
		defer c.mu.Unlock()
		var ids []string
		for id, fl := range c.inflight {
			if fl.task == task {
				ids = append(ids, id)
			}
		}
		return ids
	}

	for round := 0; round < 3; round++ {
		recvTokens(t, task, 4)
		before := inflightChunks()
		require.Len(t, before, 1, "round %d: task must have exactly one live chunk", round)

		clock.Advance(15*time.Second + time.Millisecond)
		c.sweep(clock.Now())

		after := inflightChunks()
		assert.LessOrEqual(t, len(after), 1, "round %d: chunk assigned to two workers", round)
		for _, id := range after {
			assert.NotEqual(t, before[0], id, "round %d: timed-out chunk still live", round)
		}
	}

	waitSettled(t, task)
	require.NoError(t, task.Err)
	assert.Len(t, task.Tokens, 16)
}

func TestCoordinatorPublishesNothingAfterStop(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	bus := types.NewEventBus(nil)
	t.Cleanup(bus.Stop)
	var mu sync.Mutex
	count := 0
	bus.SubscribeAll(func(types.Event) { mu.Lock(); count++; mu.Unlock() })

	hostID, err := identity.Generate()
	require.NoError(t, err)
	opts := testOptions(clock)
	opts.Bus = bus
	c, err := NewCoordinator(hostID, opts)
	require.NoError(t, err)
	mem := transport.NewMemListener("127.0.0.1:9999")
	require.NoError(t, c.Start(context.Background(), mem))

	code, err := c.ShareCode()
	require.NoError(t, err)
	joinWorker(t, mem, testutil.NewScriptedEngine("ok"), CapabilityHigh, clock, code)

	task, err := c.Submit([]engine.Message{{Role: engine.RoleUser, Content: "hi"}}, 2, "")
	require.NoError(t, err)
	waitSettled(t, task)

	require.NoError(t, c.Stop(context.Background()))

	// Deliveries already in flight on the bus settle, then the count must
	// hold: nothing is published once Stop has returned.
	last := -1
	require.Eventually(t, func() bool {
		mu.Lock()
		cur := count
		mu.Unlock()
		if cur != last {
			last = cur
			return false
		}
		return true
	}, 2*time.Second, 50*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	final := count
	mu.Unlock()
	assert.Equal(t, last, final, "event published after coordinator stopped")
}

// flakySendConn lets the first send through and fails the rest, so the
// coordinator's AUTH_SUCCESS write breaks after a valid challenge exchange.
type flakySendConn struct {
	transport.Conn
	mu    sync.Mutex
	sends int
}

func (c *flakySendConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	c.sends++
	n := c.sends
	c.mu.Unlock()
	if n > 1 {
		return types.NewError(types.ErrTransportLost, "send failure")
	}
	return c.Conn.Send(ctx, payload)
}

type flakySendListener struct{ *transport.MemListener }

func (l *flakySendListener) Accept(ctx context.Context) (transport.Conn, error) {
	conn, err := l.MemListener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &flakySendConn{Conn: conn}, nil
}

func TestCoordinatorFailedHandshakeSendPublishesNoEvents(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	bus := types.NewEventBus(nil)
	t.Cleanup(bus.Stop)
	events := make(chan types.Event, 16)
	bus.SubscribeAll(func(ev types.Event) { events <- ev })

	hostID, err := identity.Generate()
	require.NoError(t, err)
	opts := testOptions(clock)
	opts.Bus = bus
	c, err := NewCoordinator(hostID, opts)
	require.NoError(t, err)
	mem := transport.NewMemListener("127.0.0.1:9999")
	require.NoError(t, c.Start(context.Background(), &flakySendListener{mem}))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	code, err := c.ShareCode()
	require.NoError(t, err)

	conn, err := mem.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	data, err := conn.Receive(ctx)
	require.NoError(t, err)
	frame, err := DecodeFrame(data)
	require.NoError(t, err)
	required, ok := frame.(AuthRequiredFrame)
	require.True(t, ok)

	id, err := identity.Generate()
	require.NoError(t, err)
	ts := clock.Now().UnixMilli()
	sig, err := id.SignChallenge(required.Challenge, ts)
	require.NoError(t, err)
	payload, err := EncodeFrame(AuthFrame{
		ID:         id.ID,
		PublicKey:  hex.EncodeToString(id.PublicKey),
		Capability: string(CapabilityLow),
		Secret:     code.Secret,
		Timestamp:  ts,
		Signature:  hex.EncodeToString(sig),
	})
	require.NoError(t, err)
	require.NoError(t, conn.Send(ctx, payload))

	// The coordinator drops the connection after its AUTH_SUCCESS send
	// fails; the device was never announced, so nothing is published.
	_, err = conn.Receive(ctx)
	require.Error(t, err)
	assert.Empty(t, c.Devices())

	select {
	case ev := <-events:
		t.Fatalf("unexpected %s event for a join that never completed", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestShareCodeFromListener(t *testing.T) {
	clock := testutil.NewVirtualClock(time.Unix(1_700_000_000, 0))
	c, _ := newTestPool(t, clock)

	code, err := c.ShareCode()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", code.Host)
	assert.Equal(t, 9999, code.Port)

	parsed, err := ParseShareCode(code.Encode())
	require.NoError(t, err)
	assert.Equal(t, code, parsed)
}
