package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests. Each Chat call returns
// the next entry in Responses; once exhausted, the last response repeats.
// When Err is set it is returned instead of a response. All calls are
// recorded in Calls. Safe for concurrent use.
//
//	mock := &MockChatModel{Responses: []ChatOut{
//	    {Text: `{"score": 0.4}`},
//	    {Text: `{"score": 0.9}`},
//	}}
type MockChatModel struct {
	// Responses is the scripted sequence of outputs.
	Responses []ChatOut

	// Err, if set, is returned by every Chat call.
	Err error

	// Calls records every invocation, including failed ones.
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records a single Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	out := m.Responses[min(m.callIndex, len(m.Responses)-1)]
	m.callIndex++
	return out, nil
}

// CallCount returns the number of Chat invocations so far.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
