// Package procwatch answers whether the parent host process is still alive.
package procwatch

type Liveness int

const (
	// Unknown means the platform cannot probe; callers fall back to
	// transcript staleness.
	Unknown Liveness = iota
	Alive
	Gone
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}
