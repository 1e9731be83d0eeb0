package tilematrix

import "fmt"

// ConfigurationError means the requested (layer, tile matrix set, tile matrix,
// format) combination is not offered by the service. It is fatal: no TileMatrix
// is constructed, since all grid geometry depends on correct metadata.
type ConfigurationError struct {
	// Constraint names the capability check that failed, e.g. "layer" or "format".
	Constraint string
	Value      string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tile matrix configuration: unknown or unsupported %s %q", e.Constraint, e.Value)
}

// GeometryError means a bounding box was malformed. Detected before any retrieval.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "invalid bounding box: " + e.Reason
}

// RetrievalError means fetching one tile from the service failed.
type RetrievalError struct {
	Index TileIndex
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve tile %d/%d: %v", e.Index.Row, e.Index.Col, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}
