package telemetry

import "errors"

// Decode outcomes. A discarded message wraps exactly one of these.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingNodeID    = errors.New("missing node id")
	ErrMissingField     = errors.New("missing field")
	ErrNodeNotAllowed   = errors.New("node not allowed")
)

// Infrastructure failures. None of them stop ingestion.
var (
	ErrTransportConnect = errors.New("transport connect failed")
	ErrSubscribe        = errors.New("subscribe failed")
	ErrStorageWrite     = errors.New("storage write failed")
)

// Reason maps an ingestion error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrMissingNodeID):
		return "missing_node_id"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrNodeNotAllowed):
		return "node_not_allowed"
	case errors.Is(err, ErrStorageWrite):
		return "storage_write"
	default:
		return "internal"
	}
}
