package status

import "fmt"

// Record is the coordination record for one scope: the last applied
// version, a status code and an optional human-readable message. The zero
// value is what Read returns for a scope that was never written.
type Record struct {
	Version       int     `json:"version"`
	StatusCode    int     `json:"status_code"`
	StatusMessage *string `json:"status_message,omitempty"`
}

// Message returns the status message, or "" when absent.
func (r Record) Message() string {
	if r.StatusMessage == nil {
		return ""
	}
	return *r.StatusMessage
}

// HasMessage reports whether a message is present. An empty message is
// still present.
func (r Record) HasMessage() bool { return r.StatusMessage != nil }

// WithMessage returns a copy of r carrying msg.
func (r Record) WithMessage(msg string) Record {
	r.StatusMessage = &msg
	return r
}

// WithoutMessage returns a copy of r with the message absent.
func (r Record) WithoutMessage() Record {
	r.StatusMessage = nil
	return r
}

// Equal compares all three attributes; messages compare by value.
func (r Record) Equal(o Record) bool {
	if r.Version != o.Version || r.StatusCode != o.StatusCode {
		return false
	}
	if (r.StatusMessage == nil) != (o.StatusMessage == nil) {
		return false
	}
	return r.StatusMessage == nil || *r.StatusMessage == *o.StatusMessage
}

// clone detaches the message pointer so stored records never alias caller memory.
func (r Record) clone() Record {
	if r.StatusMessage != nil {
		return r.WithMessage(*r.StatusMessage)
	}
	return r
}

func (r Record) String() string {
	if r.StatusMessage == nil {
		return fmt.Sprintf("v%d code=%d", r.Version, r.StatusCode)
	}
	return fmt.Sprintf("v%d code=%d msg=%q", r.Version, r.StatusCode, *r.StatusMessage)
}
