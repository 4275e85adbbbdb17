// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/service/transport layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a missing, invalid or expired session token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation")

	// ErrMissingArtifact indicates a referenced version or original is absent from the store.
	ErrMissingArtifact = errors.New("missing artifact")

	// ErrEncodeFailure indicates the raster codec failed or timed out.
	ErrEncodeFailure = errors.New("encode failure")

	// ErrMetadataCopy indicates tag transplant failed after retry.
	ErrMetadataCopy = errors.New("metadata copy failure")

	// ErrMetadataWrite indicates a metadata change batch could not be applied.
	ErrMetadataWrite = errors.New("metadata write failure")

	// ErrToolUnavailable indicates a required external binary is missing.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrToolTimeout indicates an external process exceeded its time budget.
	ErrToolTimeout = errors.New("tool timeout")

	// ErrInvalidIndex indicates a revert target outside the history.
	ErrInvalidIndex = errors.New("invalid index")

	// ErrLockTimeout indicates the per-artifact lock was not acquired in time.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrEditFailure indicates the edit model rejected or failed the request.
	ErrEditFailure = errors.New("edit failure")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrMissingArtifact, "missing_artifact"},
	{ErrEncodeFailure, "encode_failure"},
	{ErrMetadataCopy, "metadata_copy_failure"},
	{ErrInvalidIndex, "invalid_index"},
	{ErrValidation, "validation"},
	{ErrMetadataWrite, "metadata_write_failure"},
	{ErrToolUnavailable, "tool_unavailable"},
	{ErrToolTimeout, "tool_timeout"},
	{ErrLockTimeout, "lock_timeout"},
	{ErrEditFailure, "edit_failure"},
	{ErrNotFound, "not_found"},
	{ErrUnauthorized, "unauthorized"},
}

// Kind returns the machine-readable kind of err, or "internal" when err wraps
// none of the sentinels. More specific kinds win over generic ones.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}
