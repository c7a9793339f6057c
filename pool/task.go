package pool

import (
	"strings"
	"time"

	"github.com/amphibian-ai/amphibian/engine"
)

// TaskState is the lifecycle of a queued inference request.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is one inference request flowing through the pool. The
// coordinator executes it as a series of chunks, each covering a window
// of the remaining token budget; tokens already produced are kept across
// worker failures, so a re-queued chunk only covers what is left.
type Task struct {
	ID        string
	Messages  []engine.Message
	MaxTokens int
	Model     string
	Submitted time.Time

	State  TaskState
	Tokens []string // produced so far, in order

	// Out streams tokens to the caller; closed when the task settles.
	Out chan string
	// Done is closed when the task settles; Err carries the failure.
	Done chan struct{}
	Err  error

	nextSeq int
	// waitingSince marks when the task last entered the queue; a task
	// that waits past the no-worker timeout fails with POOL_EXHAUSTED.
	waitingSince time.Time
}

// NewTask builds a queued task with a buffered token stream.
func NewTask(id string, msgs []engine.Message, maxTokens int, model string, now time.Time) *Task {
	return &Task{
		ID:        id,
		Messages:  msgs,
		MaxTokens: maxTokens,
		Model:     model,
		Submitted: now,
		State:     TaskQueued,
		Out:       make(chan string, maxTokens+1),
		Done:      make(chan struct{}),
	}
}

// Remaining returns the unproduced token budget.
func (t *Task) Remaining() int {
	return t.MaxTokens - len(t.Tokens)
}

// Prefix is the cumulative output so far, handed to the next chunk so a
// fresh worker continues from the exact point the previous one reached.
func (t *Task) Prefix() string {
	return strings.Join(t.Tokens, "")
}

// NextChunk carves the next chunk for a worker of the given capability:
// the window size caps the chunk's token budget. Returns nil when the
// budget is spent.
func (t *Task) NextChunk(cap Capability, windows map[Capability]int, chunkID string) *ChunkFrame {
	remaining := t.Remaining()
	if remaining <= 0 {
		return nil
	}
	window := windows[cap]
	if window <= 0 || window > remaining {
		window = remaining
	}
	seq := t.nextSeq
	t.nextSeq++
	return &ChunkFrame{
		TaskID:    t.ID,
		ChunkID:   chunkID,
		Seq:       seq,
		Prefix:    t.Prefix(),
		Messages:  t.Messages,
		MaxTokens: window,
		Model:     t.Model,
	}
}

// settle transitions the task to a terminal state exactly once.
func (t *Task) settle(state TaskState, err error) {
	if t.State == TaskDone || t.State == TaskFailed || t.State == TaskCancelled {
		return
	}
	t.State = state
	t.Err = err
	close(t.Out)
	close(t.Done)
}

// inflight tracks one chunk dispatched to a worker and not yet settled.
type inflight struct {
	task       *Task
	chunkID    string
	seq        int
	deviceID   string
	budget     int
	received   int
	dispatched time.Time
	deadline   time.Time
}
