package ratelimit

// ConnLimiter meters inbound signaling frames for a single WebSocket
// connection.
//
// Each frame costs one token. Rejected frames count as violations; a frame
// that is allowed resets the count. Callers close the connection once
// Exceeded reports true.
type ConnLimiter struct {
	bucket        *TokenBucket
	maxViolations int
	violations    int
}

// NewConnLimiter returns a limiter allowing messagesPerSecond frames with a
// burst of the same size. messagesPerSecond <= 0 disables limiting.
// maxViolations <= 0 means over-limit frames are dropped but never cause
// Exceeded to report true.
func NewConnLimiter(clock Clock, messagesPerSecond, maxViolations int) *ConnLimiter {
	l := &ConnLimiter{maxViolations: maxViolations}
	if messagesPerSecond > 0 {
		l.bucket = NewTokenBucket(clock, int64(messagesPerSecond), int64(messagesPerSecond))
	}
	return l
}

// Allow reports whether the next frame may be processed.
//
// ConnLimiter is owned by the connection's read loop and is not safe for
// concurrent use.
func (l *ConnLimiter) Allow() bool {
	if l == nil || l.bucket == nil {
		return true
	}
	if l.bucket.Allow(1) {
		l.violations = 0
		return true
	}
	l.violations++
	return false
}

// Exceeded reports whether the consecutive violation budget is spent.
func (l *ConnLimiter) Exceeded() bool {
	if l == nil || l.maxViolations <= 0 {
		return false
	}
	return l.violations >= l.maxViolations
}
