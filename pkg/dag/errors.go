package dag

import (
	"errors"
	"fmt"
)

// CycleError is returned when a proposed parent link would close a cycle in
// the combined parent-pointer and edge graph.
type CycleError struct {
	MessageID string
	ParentID  string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("linking %s under %s would create a cycle", e.MessageID, e.ParentID)
}

// IsCycle reports whether err is a CycleError.
func IsCycle(err error) bool {
	var ce CycleError
	return errors.As(err, &ce)
}

// InvalidEdgeTypeError is returned for an edge type outside the closed set.
type InvalidEdgeTypeError struct {
	EdgeType string
}

func (e InvalidEdgeTypeError) Error() string {
	return fmt.Sprintf("invalid edge type %q", e.EdgeType)
}

// ErrInvalidDirection is returned by GetEdges for a direction other than
// in, out or both.
var ErrInvalidDirection = errors.New("direction must be in, out or both")
