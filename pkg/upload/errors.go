package upload

import "errors"

var (
	ErrCanceled = errors.New("upload: canceled")
	ErrInFlight = errors.New("upload: already in flight")
)
