package vault

import "errors"

var (
	// ErrUnsupportedVersion is returned when a VaultBlob's blob_version
	// is not one this build understands.
	ErrUnsupportedVersion = errors.New("vault: unsupported blob version")
	// ErrCorruptHeader is returned when the file header's magic does
	// not match.
	ErrCorruptHeader = errors.New("vault: corrupt header")
	// ErrTruncated is returned when the declared data_length does not
	// match the bytes available.
	ErrTruncated = errors.New("vault: truncated blob")
	// ErrHeaderIncomplete is I2's violation surfaced to callers
	// attempting to build a DeviceHeader whose unwrap probe fails.
	ErrHeaderIncomplete = errors.New("vault: device header failed unwrap probe")
	// ErrIntegrityFailure is returned when a VaultBlob's sealed record
	// store fails to authenticate under the caller's VK.
	ErrIntegrityFailure = errors.New("vault: record store failed authentication")
)
