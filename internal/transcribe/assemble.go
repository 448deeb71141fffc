package transcribe

import (
	"sort"
	"strings"
)

// Assemble reorders chunk transcripts by index and concatenates them into
// one document. Pure function of the mapping; the insertion order (which
// follows racing completion order) never affects the output.
func Assemble(chunkTranscripts map[int]string) string {
	indices := make([]int, 0, len(chunkTranscripts))
	for i := range chunkTranscripts {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	parts := make([]string, 0, len(indices))
	for _, i := range indices {
		parts = append(parts, chunkTranscripts[i])
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
