package domain

import "errors"

// Sentinel errors classified by the session layer into wire.Message fail
// reasons (§7 error taxonomy). Each is returned verbatim by a store
// operation and never wrapped, so callers can compare with errors.Is.
var (
	ErrClientIDExists            = errors.New("client-id-exists")
	ErrUnsupportedProtocolVersion = errors.New("unsupported-protocol-version")
	ErrPermissionDenied          = errors.New("permission-denied")
	ErrInsufficientResources     = errors.New("insufficient-resources")
	ErrSubscriptionIDExists      = errors.New("subscription-id-exists")
	ErrNonExistentSubscriptionID = errors.New("non-existent-subscription-id")
	ErrNonExistentServiceID      = errors.New("non-existent-service-id")
	ErrOldGeneration             = errors.New("old-generation")
	ErrSameGenerationButDifferent = errors.New("same-generation-but-different")
	ErrInvalidFilterSyntax       = errors.New("invalid-filter-syntax")
)
