package application

import (
	"errors"

	onet "github.com/Jigsaw-Code/outline-ss-server/net"
)

func connectionError(status, message string, cause error) error {
	return onet.NewConnectionError(status, message, cause)
}

// ensureConnectionError keeps an existing status, as returned by target IP validators.
func ensureConnectionError(err error, status, message string) error {
	var ce *onet.ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return onet.NewConnectionError(status, message, err)
}

// ErrorStatus extracts the status of a relay error, or "" for other errors.
func ErrorStatus(err error) string {
	var ce *onet.ConnectionError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return ""
}
