package retry

import "time"

// ProxyBlockDelay is the cooldown before a proxy-blocked job is
// resubmitted, long enough for the proxy pool to rotate.
const ProxyBlockDelay = 5 * time.Minute

// Decision says whether a failed job may be resubmitted and after how long.
type Decision struct {
	Allowed bool
	Delay   time.Duration
}

// Policy applies the per-subscription retry budget to failure genres.
// Proxy blocks get the full budget with a cooldown; every other failure,
// classified or not, gets a single immediate retry.
type Policy struct {
	maxRetries int
}

// NewPolicy builds a policy with the subscription's retry budget. A budget
// of zero or less disables retries entirely.
func NewPolicy(maxRetries int) *Policy {
	return &Policy{maxRetries: maxRetries}
}

// Decide weighs the genre and the retries the job has already consumed.
func (p *Policy) Decide(genre Genre, retryCount int) Decision {
	if p.maxRetries <= 0 {
		return Decision{}
	}
	limit := 1
	var delay time.Duration
	if genre == GenreProxyBlock {
		limit = p.maxRetries
		delay = ProxyBlockDelay
	}
	if retryCount >= limit {
		return Decision{}
	}
	return Decision{Allowed: true, Delay: delay}
}
