package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/amphibian-ai/amphibian/engine"
)

// ScriptedEngine is an engine.Engine whose replies are driven by the test.
// Chat replies are consumed in FIFO order; when the script is exhausted the
// engine echoes the last user message. ChatStream splits the reply into
// single-rune tokens unless StreamTokens is set.
type ScriptedEngine struct {
	mu           sync.Mutex
	replies      []string
	err          error
	StreamTokens []string
	Calls        [][]engine.Message
}

// NewScriptedEngine creates an engine that will return the given replies
// in order.
func NewScriptedEngine(replies ...string) *ScriptedEngine {
	return &ScriptedEngine{replies: replies}
}

// FailWith makes every subsequent call return err.
func (e *ScriptedEngine) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *ScriptedEngine) next(messages []engine.Message) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, messages)
	if e.err != nil {
		return "", e.err
	}
	if len(e.replies) > 0 {
		reply := e.replies[0]
		e.replies = e.replies[1:]
		return reply, nil
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content, nil
	}
	return "", nil
}

// Chat implements engine.Engine.
func (e *ScriptedEngine) Chat(ctx context.Context, messages []engine.Message) (*engine.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := e.next(messages)
	if err != nil {
		return nil, err
	}
	return &engine.Reply{Content: content}, nil
}

// ChatStream implements engine.Engine.
func (e *ScriptedEngine) ChatStream(ctx context.Context, messages []engine.Message) (<-chan string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := e.next(messages)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	tokens := e.StreamTokens
	e.mu.Unlock()
	if tokens == nil {
		tokens = strings.Split(content, "")
	}

	out := make(chan string, len(tokens))
	go func() {
		defer close(out)
		for _, tok := range tokens {
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
