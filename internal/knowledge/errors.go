package knowledge

import "errors"

var (
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidStrength   = errors.New("relationship strength out of range")
	ErrBadTransition     = errors.New("illegal document status transition")
)
