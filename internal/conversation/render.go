package conversation

import (
	"strings"

	"chat-relay/internal/domain"
)

// StopSequence marks the start of the next human turn. The completion
// service uses it to truncate generation at the end of the AI turn.
const StopSequence = "\nHuman"

// Render produces the full prompt text fed to the completion service: every
// prior turn as a "Human:" line followed by an "AI:" line, then the new human
// line with the AI line left open for the service to continue. Deterministic
// for the same turns and input.
func Render(turns []domain.Turn, input string) string {
	var b strings.Builder
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, "Human: "+t.Prompt+"\nAI:"+t.Response)
	}
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\nHuman: ")
	b.WriteString(input)
	b.WriteString("\nAI:")
	return b.String()
}
