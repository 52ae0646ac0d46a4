package suppliers

import (
	"errors"
	"fmt"
)

var ErrUnknownSupplier = errors.New("unknown supplier")

// MappingError reports an event the adapter could not interpret.
type MappingError struct {
	Supplier string
	EventID  string
	Reason   string
}

func (e *MappingError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s event %s: %s", e.Supplier, e.EventID, e.Reason)
	}
	return fmt.Sprintf("%s event: %s", e.Supplier, e.Reason)
}

func IsMappingError(err error) bool {
	var me *MappingError
	return errors.As(err, &me)
}
