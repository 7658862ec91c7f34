package agent

import (
	"fmt"

	"github.com/flynn-ai/tally/internal/errors"
	"github.com/flynn-ai/tally/internal/model"
)

// Conversation is the append-only message history of one run. A tool
// message is accepted only if it answers a request of the latest assistant
// message that has not been answered yet.
type Conversation struct {
	messages    []model.Message
	outstanding map[string]model.ToolCall
	order       []string
}

// NewConversation starts a conversation from msgs.
func NewConversation(msgs ...model.Message) (*Conversation, error) {
	c := &Conversation{}
	for _, m := range msgs {
		if err := c.Append(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append adds msg to the end of the conversation.
func (c *Conversation) Append(msg model.Message) error {
	switch msg.Role {
	case model.RoleTool:
		call, ok := c.outstanding[msg.ToolCallID]
		if !ok {
			return errors.NewBuilder(errors.CodeAgentOrphanResult, fmt.Sprintf("tool result %q has no outstanding request", msg.ToolCallID)).
				Permanent().
				Build()
		}
		delete(c.outstanding, call.ID)

	case model.RoleAssistant:
		pending := make(map[string]model.ToolCall, len(msg.ToolCalls))
		order := make([]string, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" {
				return errors.Permanent(errors.CodeModelInvalidResponse, fmt.Sprintf("tool request for %q has no id", tc.Name))
			}
			if _, dup := pending[tc.ID]; dup {
				return errors.Permanent(errors.CodeModelInvalidResponse, fmt.Sprintf("duplicate tool request id %q", tc.ID))
			}
			pending[tc.ID] = tc
			order = append(order, tc.ID)
		}
		c.outstanding = pending
		c.order = order

	case model.RoleUser, model.RoleSystem:
		c.outstanding = nil
		c.order = nil

	default:
		return errors.Permanent(errors.CodeAgentInvalidTransition, fmt.Sprintf("unknown message role %q", msg.Role))
	}

	c.messages = append(c.messages, msg)
	return nil
}

// Messages returns a copy of the history.
func (c *Conversation) Messages() []model.Message {
	return append([]model.Message(nil), c.messages...)
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Last returns the most recent message.
func (c *Conversation) Last() (model.Message, bool) {
	if len(c.messages) == 0 {
		return model.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// Outstanding returns the unanswered requests of the latest assistant
// message, in request order.
func (c *Conversation) Outstanding() []model.ToolCall {
	var out []model.ToolCall
	for _, id := range c.order {
		if tc, ok := c.outstanding[id]; ok {
			out = append(out, tc)
		}
	}
	return out
}
