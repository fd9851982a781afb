// Package integrity detects false partial-content responses. An intercepting
// cache (typically a browser or ISP middlebox) that stored an aborted ranged
// transfer can replay it as a 206 to a request that never asked for a range;
// the body then silently covers only a slice of the resource. Such responses
// must be treated as failures, not successes.
package integrity

import (
	"fmt"
	"strconv"

	"failback-loader/work/logger"
	"failback-loader/work/metrics"

	"github.com/grafana/regexp"
)

// contentRangeRe matches "bytes <start>-<end>/<total>" where total is either
// a concrete byte count or "*" for unknown.
var contentRangeRe = regexp.MustCompile(`^\s*bytes\s+(\d+)-(\d+)/(\d+|\*)\s*$`)

// Error marks a completed HTTP response that was reclassified as a failure
// because its body does not cover the full resource.
type Error struct {
	Status       int
	ContentRange string
	Declared     int64
	Received     int64
}

func (e *Error) Error() string {
	return fmt.Sprintf("false partial content: status %d served %d of %d declared bytes (%s)",
		e.Status, e.Received, e.Declared, e.ContentRange)
}

// Check inspects a completed response and returns a non-nil *Error when it
// must be reclassified as a failure. The check applies only to a 206 response
// on a request that did not itself carry a byte range: a ranged request
// legitimately earns a 206 and is never second-guessed. Absent or unparseable
// Content-Range headers, unknown totals, and slices that span the whole
// declared resource all pass as ordinary successes.
func Check(status int, requestHadRange bool, contentRange string) *Error {
	if status != 206 || requestHadRange {
		return nil
	}

	m := contentRangeRe.FindStringSubmatch(contentRange)
	if m == nil {
		return nil
	}
	if m[3] == "*" {
		return nil
	}

	start, err1 := strconv.ParseInt(m[1], 10, 64)
	end, err2 := strconv.ParseInt(m[2], 10, 64)
	total, err3 := strconv.ParseInt(m[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || end < start {
		return nil
	}

	received := end - start + 1
	if received >= total {
		return nil
	}

	logger.Warn("{integrity - Check} reclassifying 206 as failure: %d of %d bytes (%s)", received, total, contentRange)
	metrics.IntegrityRejects.Inc()

	return &Error{
		Status:       status,
		ContentRange: contentRange,
		Declared:     total,
		Received:     received,
	}
}
