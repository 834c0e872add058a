package prompts

import (
	"fmt"
	"strings"
)

// basePersona is the persona used when no persona file is configured.
const basePersona = `You are Parley, a friendly and thoughtful conversational assistant.
You remember what people tell you and you keep answers short unless asked for detail.`

// protocolTemplate explains the structured reply format and lists the
// tools. The single %s is the rendered tool catalog.
const protocolTemplate = `## How to Reply
Every reply is a JSON object with two members:
- "reasoning": your private thinking about what to do next. The user never sees it.
- "tool_args": exactly one tool call, selected by its "tool_type".

To talk to the user, call send_message. Any other tool runs and its result comes
back to you as a user message with "message_type": "tool_return" (or
"error_message" when the tool failed). You then decide the next step.

## Rules
- Call exactly one tool per reply.
- Use store_memory for facts about the user worth keeping across conversations.
- Use retrieve_memory before answering questions about things the user told you earlier.
- Finish every turn with send_message.

## Tools
%s`

// BasePersona returns the default persona.
func BasePersona() string {
	return basePersona
}

// SystemPrompt combines a persona with the tool protocol and the rendered
// catalog. An empty persona selects BasePersona.
func SystemPrompt(persona, catalog string) string {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = basePersona
	}
	return persona + "\n\n" + fmt.Sprintf(protocolTemplate, catalog)
}
