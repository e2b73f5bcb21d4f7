package queue

import (
	"fmt"
	"strings"
	"time"
)

// validateMessageSize checks if the message payload exceeds the maximum allowed size.
func validateMessageSize(payload []byte, maxSize int64) error {
	if maxSize == 0 {
		return nil // No size limit
	}

	if int64(len(payload)) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d bytes",
			ErrMessageTooLarge, len(payload), maxSize)
	}

	return nil
}

// sanitizeFailureReason keeps the first line of a failure reason, truncated,
// so stack traces do not end up in the retry state file or the logs.
func sanitizeFailureReason(reason string) string {
	const maxLength = 256

	sanitized, _, _ := strings.Cut(reason, "\n")

	if len(sanitized) > maxLength {
		sanitized = sanitized[:maxLength-3] + "..."
	}

	return sanitized
}

// CalculateBackoff calculates exponential backoff duration based on retry count.
// The backoff duration increases exponentially: base * 2^retryCount, capped at maxBackoff.
//
// Producers use it between TryPush attempts that found the topic locked, and
// consumers between pulls of an empty topic:
//
//	for attempt := 0; ; attempt++ {
//	    if _, err := s.TryPush(payload); !errors.Is(err, queue.ErrLockBusy) {
//	        break
//	    }
//	    time.Sleep(queue.CalculateBackoff(attempt, time.Millisecond, 100*time.Millisecond))
//	}
//
// Returns the calculated backoff duration, always between baseDelay and maxBackoff.
func CalculateBackoff(retryCount int, baseDelay, maxBackoff time.Duration) time.Duration {
	if retryCount <= 0 {
		return baseDelay
	}
	if retryCount > 62 {
		retryCount = 62
	}

	multiplier := int64(1) << uint(retryCount)

	// Prevent overflow by checking if multiplier would be too large
	maxMultiplier := int64(maxBackoff / baseDelay)
	if multiplier > maxMultiplier {
		multiplier = maxMultiplier
	}

	backoff := time.Duration(multiplier) * baseDelay

	if backoff > maxBackoff {
		return maxBackoff
	}
	if backoff < baseDelay {
		return baseDelay
	}

	return backoff
}
