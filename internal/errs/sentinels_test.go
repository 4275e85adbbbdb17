package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Equal(t, "not_found", Kind(fmt.Errorf("resolve x: %w", ErrNotFound)))
	assert.Equal(t, "encode_failure", Kind(fmt.Errorf("encode: %w", ErrEncodeFailure)))

	// timeout wrapped into an encode failure reports the outer meaning first
	err := fmt.Errorf("%w: %w", ErrEncodeFailure, ErrToolTimeout)
	assert.Equal(t, "encode_failure", Kind(err))

	// missing artifact is more specific than not found
	err = fmt.Errorf("%w: %w", ErrMissingArtifact, ErrNotFound)
	assert.Equal(t, "missing_artifact", Kind(err))
}

func TestKind_ValidationBeatsWriteFailure(t *testing.T) {
	err := fmt.Errorf("%w: %w: unknown section", ErrMetadataWrite, ErrValidation)
	assert.Equal(t, "validation", Kind(err))
	assert.Equal(t, "metadata_write_failure", Kind(fmt.Errorf("%w: exit 1", ErrMetadataWrite)))
}
