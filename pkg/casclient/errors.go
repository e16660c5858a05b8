package casclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoResponders is returned when no cas-ioclassd answers on the subject.
var ErrNoResponders = errors.New("casclient: no responders")

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Message string  `json:"error"`
	Index   *int    `json:"index,omitempty"`
	ClassID *uint32 `json:"class_id,omitempty"`
	Field   string  `json:"field,omitempty"`
}

func (e *RemoteError) Error() string {
	return "casclient: " + e.Message
}

// IsNotFound reports whether err names a cache, core or class the daemon
// does not know.
func IsNotFound(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	msg := re.Message
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not attached") ||
		strings.Contains(msg, "not configured")
}

// remoteError extracts an error reply. Successful replies are either arrays
// or objects without an error field.
func remoteError(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var re RemoteError
	if err := json.Unmarshal(data, &re); err != nil {
		return fmt.Errorf("casclient: decoding reply: %w", err)
	}
	if re.Message == "" {
		return nil
	}
	return &re
}
