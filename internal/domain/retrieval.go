package domain

// RetrievedChunk is a passage of class training material matched by
// similarity search. Score is cosine similarity in [0, 1].
type RetrievedChunk struct {
	Content string
	Source  string
	Score   float64
}

// SourceLabels returns the distinct non-empty source labels of chunks in
// first-seen order.
func SourceLabels(chunks []RetrievedChunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	labels := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c.Source == "" {
			continue
		}
		if _, ok := seen[c.Source]; ok {
			continue
		}
		seen[c.Source] = struct{}{}
		labels = append(labels, c.Source)
	}
	return labels
}
