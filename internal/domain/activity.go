package domain

// ActivityContext is the pedagogical metadata of a learning activity,
// loaded once per request and never mutated.
type ActivityContext struct {
	ID          string
	Title       string
	Description string
	Content     string
	Type        string
}

// ActivityRef is the slice of ActivityContext echoed back to the client.
type ActivityRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Ref returns the client facing reference, or nil for a nil activity.
func (a *ActivityContext) Ref() *ActivityRef {
	if a == nil {
		return nil
	}
	return &ActivityRef{ID: a.ID, Title: a.Title}
}
