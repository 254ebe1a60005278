package aoi

import "errors"

var (
	// ErrNotConfigured is returned by ProcessFrame when no camera (and
	// therefore no detector) has been set.
	ErrNotConfigured = errors.New("marker mapper not configured: camera not set")

	// ErrSchemaVersionMismatch is returned when a persisted surface
	// definition carries a version other than SurfaceSchemaVersion.
	ErrSchemaVersionMismatch = errors.New("surface definition schema version mismatch")

	// ErrMalformedDefinition is returned when a persisted surface definition
	// cannot be decoded into a valid Surface.
	ErrMalformedDefinition = errors.New("malformed surface definition")

	// ErrDegenerateHomography is returned when correspondences cannot
	// determine a well-conditioned homography.
	ErrDegenerateHomography = errors.New("degenerate homography")

	// ErrInvalidCamera is returned for unusable intrinsics.
	ErrInvalidCamera = errors.New("invalid camera intrinsics")
)
