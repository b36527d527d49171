package schemas

// Issue is an existing entry in the external issue tracker, as returned by a
// summary search.
type Issue struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
}
