package prompts

import "fmt"

// ToolStatus is the progress notice streamed to the client while the
// model works through a non-terminal tool.
func ToolStatus(toolType string) string {
	return fmt.Sprintf("Using tool: %s...", toolType)
}
