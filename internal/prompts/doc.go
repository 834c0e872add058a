// Package prompts contains the prompt text Parley sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// User-facing configuration lives in config.yaml; the operator may replace the
// persona with persona_file, but the tool protocol section is always appended.
package prompts
