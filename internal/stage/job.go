// Package stage persists received jobs to local disk so acknowledged
// messages survive agent crashes and restarts.
package stage

import (
	"strconv"
	"strings"
	"time"
)

// Attribute keys carried on bus messages and staged records.
const (
	AttrRetryCount         = "retry_count"
	AttrOriginMessageID    = "origin_message_id"
	AttrOriginSubscription = "origin_subscription"
	AttrErrorGenre         = "error_genre"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Job is the durable record of one received bus message. It is written
// before the message is acknowledged and deleted only once the work it
// describes is finished for good.
type Job struct {
	MessageID     string            `json:"message_id"`
	ReceivedAt    time.Time         `json:"received_at"`
	Attributes    map[string]string `json:"attributes"`
	Data          []byte            `json:"data_b64"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	LastErrorAt   *time.Time        `json:"last_error_at,omitempty"`

	// Path is the staged file location, set by the Store.
	Path string `json:"-"`
}

// RetryCount reads the retry_count attribute. Missing or unparseable
// values count as zero.
func (j *Job) RetryCount() int {
	raw, ok := j.Attributes[AttrRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
