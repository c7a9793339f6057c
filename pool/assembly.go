package pool

import "sync"

// Assembler merges chunk token streams back into a single ordered output.
// Chunks may produce and complete in any order; tokens are emitted
// strictly by chunk sequence, and within a chunk in arrival order. Tokens
// of a not-yet-current chunk are buffered until every earlier chunk has
// finished.
type Assembler struct {
	mu    sync.Mutex
	next  int
	parts map[int]*chunkBuffer
	emit  func(token string)
}

type chunkBuffer struct {
	tokens  []string
	emitted int
	done    bool
}

// NewAssembler creates an assembler that calls emit for each token in
// final order.
func NewAssembler(emit func(token string)) *Assembler {
	return &Assembler{parts: make(map[int]*chunkBuffer), emit: emit}
}

// Push records a token for the given chunk sequence. Tokens of the
// current chunk flow straight through.
func (a *Assembler) Push(seq int, token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer(seq).tokens = append(a.buffer(seq).tokens, token)
	a.flush()
}

// Finish marks a chunk complete, releasing any later buffered chunks
// that are now contiguous.
func (a *Assembler) Finish(seq int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer(seq).done = true
	a.flush()
}

// Reset discards buffered tokens for a chunk, for when its worker timed
// out mid-stream and the partial output was folded back into the task.
func (a *Assembler) Reset(seq int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.parts, seq)
}

// Pending returns the number of chunks with buffered, unreleased output.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.parts)
}

func (a *Assembler) buffer(seq int) *chunkBuffer {
	b, ok := a.parts[seq]
	if !ok {
		b = &chunkBuffer{}
		a.parts[seq] = b
	}
	return b
}

// flush emits every token of the current chunk that has arrived, and
// advances past chunks that are done. Caller holds the lock.
func (a *Assembler) flush() {
	for {
		b, ok := a.parts[a.next]
		if !ok {
			return
		}
		for b.emitted < len(b.tokens) {
			a.emit(b.tokens[b.emitted])
			b.emitted++
		}
		if !b.done {
			return
		}
		delete(a.parts, a.next)
		a.next++
	}
}
