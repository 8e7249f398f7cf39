package retrieval

import (
	"fmt"
	"strings"

	"scoutrag/backend/internal/vector"
)

const noContextInstruction = `No relevant context was found in the indexed documentation for this question.
Say plainly that the documentation does not cover it, then give a brief general answer if you can, and make clear it is not sourced from the documentation.`

func buildPrompt(question string, hits []vector.Hit) string {
	var b strings.Builder
	b.WriteString("You answer questions using the indexed site documentation.\n\n")

	if len(hits) == 0 {
		b.WriteString(noContextInstruction)
		fmt.Fprintf(&b, "\n\nQuestion: %s\n", question)
		return b.String()
	}

	b.WriteString("Context:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "\n[%d] Source: %s\n%s\n", i+1, h.URL, strings.TrimSpace(h.Text))
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n\n", question)
	b.WriteString("Answer clearly and concisely from the context above, citing sources by their [number]. " +
		"If the context does not fully answer the question, say so and answer what you can.\n")
	return b.String()
}
