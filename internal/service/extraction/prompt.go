package extraction

import (
	"fmt"
	"strings"

	"github.com/feichai0017/chunk-extractor/internal/models"
)

// BuildInstructions returns the extraction instructions for one chunk of a
// document split into total chunks.
func BuildInstructions(chunk models.ChunkDescriptor, total int) string {
	var b strings.Builder

	b.WriteString("Transcribe every page of the attached PDF exactly as written, preserving reading order, tables and lists.\n")
	if total > 1 {
		fmt.Fprintf(&b, "This is part %d of %d of a larger document and covers original pages %s.\n",
			chunk.Index+1, total, chunk.Pages)
	}
	fmt.Fprintf(&b, "Start each page with a line \"--- PAGE n ---\" using the original page number (first page is %d).\n", chunk.Pages.Start)
	b.WriteString("Mark handwritten passages as [Handwritten: text], unclear words as [Uncertain: text] and unreadable words as [Illegible].\n")
	b.WriteString("Finish with a single line \"CHUNK CONFIDENCE: High\", \"CHUNK CONFIDENCE: Medium\" or \"CHUNK CONFIDENCE: Low\".\n")
	return b.String()
}
