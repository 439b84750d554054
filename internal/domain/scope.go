package domain

// ScopeDecision is the outcome of the scope gate: either Admitted or Rejected.
type ScopeDecision interface {
	InScope() bool
	Reason() string
	sealed()
}

// Admitted lets the question through to retrieval and generation.
type Admitted struct {
	Why string
}

func (Admitted) InScope() bool    { return true }
func (a Admitted) Reason() string { return a.Why }
func (Admitted) sealed()          {}

// Rejected stops the pipeline; Redirect is shown to the student instead of an answer.
type Rejected struct {
	Why      string
	Redirect string
}

func (Rejected) InScope() bool    { return false }
func (r Rejected) Reason() string { return r.Why }
func (Rejected) sealed()          {}
