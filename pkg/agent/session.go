package agent

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned by Session.Append for a message that would
// break the conversation's structure.
var ErrInvalidMessage = errors.New("invalid message")

// Session is the ordered message history of one invocation. It is
// append-only and is not safe for concurrent use; one loop owns it.
type Session struct {
	messages []Message
	// pending holds the call ids of the latest assistant message that have
	// no tool message yet.
	pending map[string]bool
}

// NewSession seeds a session with a system prompt and the user's input.
// An empty system prompt is omitted.
func NewSession(systemPrompt, input string) *Session {
	s := &Session{pending: map[string]bool{}}
	if systemPrompt != "" {
		s.messages = append(s.messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	s.messages = append(s.messages, Message{Role: RoleUser, Content: input})
	return s
}

// Append adds a message. A tool message must answer an unanswered call of
// the most recent assistant message, and no other message may follow until
// every such call is answered.
func (s *Session) Append(msg Message) error {
	switch msg.Role {
	case RoleTool:
		if msg.ToolCallID == "" {
			return fmt.Errorf("%w: tool message without tool_call_id", ErrInvalidMessage)
		}
		if !s.pending[msg.ToolCallID] {
			return fmt.Errorf("%w: tool_call_id %q does not match an open call of the preceding assistant message", ErrInvalidMessage, msg.ToolCallID)
		}
		delete(s.pending, msg.ToolCallID)

	case RoleAssistant, RoleUser:
		if len(s.pending) > 0 {
			return fmt.Errorf("%w: %d tool call(s) still unanswered", ErrInvalidMessage, len(s.pending))
		}
		if msg.Role == RoleUser && len(msg.ToolCalls) > 0 {
			return fmt.Errorf("%w: only assistant messages may carry tool calls", ErrInvalidMessage)
		}
		seen := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" || seen[tc.ID] {
				return fmt.Errorf("%w: tool call ids must be unique and non-empty", ErrInvalidMessage)
			}
			seen[tc.ID] = true
		}
		for id := range seen {
			s.pending[id] = true
		}

	case RoleSystem:
		if len(s.messages) > 0 {
			return fmt.Errorf("%w: system message must come first", ErrInvalidMessage)
		}

	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}

	s.messages = append(s.messages, msg)
	return nil
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Session) Len() int {
	return len(s.messages)
}

// Last returns the most recent message.
func (s *Session) Last() (Message, bool) {
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Pending reports how many tool calls of the latest assistant message are
// still unanswered.
func (s *Session) Pending() int {
	return len(s.pending)
}
