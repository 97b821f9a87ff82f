package envelope

import "errors"

var (
	ErrUnknownKind     = errors.New("envelope: unknown kind")
	ErrInvalidEnvelope = errors.New("envelope: invalid envelope")
)
