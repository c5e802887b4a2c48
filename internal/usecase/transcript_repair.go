package usecase

import (
	"slices"

	"agentrun/internal/domain"
)

// missingResultDetail is the tool turn injected for a call whose result was never recorded.
const missingResultDetail = "tool call did not produce a result"

// RepairTranscript fixes broken tool chains in retained history before it
// is replayed to a model:
//  1. An assistant tool call without a matching tool turn gets an injected
//     error result, in the order the calls were requested.
//  2. A tool turn that answers no pending call is dropped.
//
// Returns a new slice (does not modify the input).
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCall

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending = append(pending, tc)
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			idx := slices.IndexFunc(pending, func(tc domain.ToolCall) bool {
				return tc.ID != "" && tc.ID == msg.ToolCallID()
			})
			if idx < 0 {
				continue
			}
			pending = slices.Delete(pending, idx, idx+1)
			result = append(result, msg)

		default:
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, pending)
}

// injectMissingResults appends an error tool turn for each pending call.
func injectMissingResults(msgs []domain.Message, pending []domain.ToolCall) []domain.Message {
	for _, tc := range pending {
		msgs = append(msgs, domain.ToolCallResult{
			CallID:      tc.ID,
			ToolName:    tc.Name,
			Status:      domain.ToolStatusCancelled,
			ErrorDetail: missingResultDetail,
		}.Message())
	}
	return msgs
}
