package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"
)

// Error classes
const (
	ErrTimeout = "Timeout (Slow)"
	ErrRefused = "Conn Refused (Fast)"
	ErrReset   = "Conn Reset (Fast)"
	ErrEOF     = "EOF / Empty"
	ErrDNS     = "DNS Error"
	ErrStatus  = "Bad Status"
	ErrOther   = "Unknown"
)

// Collector aggregates connection probe outcomes across rounds.
type Collector struct {
	mu sync.Mutex

	// Latency Tracking (Successes only)
	latencies []time.Duration

	// Retry Tracking
	successByAttempt map[int]int
	totalSuccess     int

	errorCounts   map[string]int
	totalErrors   int
	timeoutErrors int
}

type Summary struct {
	Successes        int
	Failures         int
	Timeouts         int
	SuccessByAttempt map[int]int
	Errors           map[string]int
	Avg, P50, P90    time.Duration
}

func New() *Collector {
	return &Collector{
		successByAttempt: make(map[int]int),
		errorCounts:      make(map[string]int),
	}
}

// RecordSuccess counts a success on the zero-based attempt.
func (c *Collector) RecordSuccess(attempt int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, duration)
	c.successByAttempt[attempt]++
	c.totalSuccess++
}

func (c *Collector) RecordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalErrors++
	class := Classify(err)
	if class == ErrTimeout {
		c.timeoutErrors++
	}
	c.errorCounts[class]++
}

// Classify buckets err for the saturation heuristic.
func Classify(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ErrTimeout
	case errors.Is(err, syscall.ECONNREFUSED), strings.Contains(msg, "refused"):
		return ErrRefused
	case errors.Is(err, syscall.ECONNRESET), strings.Contains(msg, "reset"):
		return ErrReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), strings.Contains(msg, "EOF"), strings.Contains(msg, "empty response"):
		return ErrEOF
	case errors.As(err, &dnsErr), strings.Contains(msg, "no such host"):
		return ErrDNS
	case strings.Contains(msg, "status"):
		return ErrStatus
	}
	return ErrOther
}

func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Successes:        c.totalSuccess,
		Failures:         c.totalErrors,
		Timeouts:         c.timeoutErrors,
		SuccessByAttempt: make(map[int]int, len(c.successByAttempt)),
		Errors:           make(map[string]int, len(c.errorCounts)),
	}
	for k, v := range c.successByAttempt {
		s.SuccessByAttempt[k] = v
	}
	for k, v := range c.errorCounts {
		s.Errors[k] = v
	}

	if len(c.latencies) > 0 {
		sorted := append([]time.Duration(nil), c.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		s.Avg = average(sorted)
		s.P50 = sorted[len(sorted)/2]
		s.P90 = sorted[int(float64(len(sorted))*0.9)]
	}
	return s
}

// PrintReport writes the tuning report for the given tester settings.
func (c *Collector) PrintReport(out io.Writer, currentTimeout time.Duration, currentRetries int) {
	s := c.Summary()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(out, "\n📊 \033[1mCONNECTION REPORT\033[0m")
	fmt.Fprintln(out, "────────────────────────────────────────")

	// 1. Latency
	if s.Successes > 0 {
		fmt.Fprintln(w, "\033[1;36m[ LATENCY ]\033[0m")
		fmt.Fprintf(w, "  Avg Duration:\t%v\n", s.Avg)
		fmt.Fprintf(w, "  p50 (Median):\t%v\n", s.P50)
		fmt.Fprintf(w, "  p90 (Slowest 10%%):\t%v\n", s.P90)

		recTimeout := s.P90 + (500 * time.Millisecond)
		fmt.Fprintf(w, "  💡 Recommendation:\tSet 'health_timeout' to ~%s (Current: %s)\n", recTimeout.Round(time.Second), currentTimeout)
		fmt.Fprintln(w, "")
	}

	// 2. Retry Efficiency
	fmt.Fprintln(w, "\033[1;36m[ RETRY EFFICIENCY ]\033[0m")
	if s.Successes > 0 {
		fmt.Fprintf(w, "  Successful Probes:\t%d\n", s.Successes)
		for i := 0; i <= currentRetries; i++ {
			count := s.SuccessByAttempt[i]
			pct := float64(count) / float64(s.Successes) * 100
			fmt.Fprintf(w, "  Succeeded on Try %d:\t%d (%.1f%%)\n", i+1, count, pct)
		}
		fmt.Fprintf(w, "  💡 Recommendation:\tSet 'retries' to %d (Current: %d)\n", s.RecommendedRetries(currentRetries), currentRetries)
	} else {
		fmt.Fprintln(w, "  No successful probes to analyze.")
	}
	fmt.Fprintln(w, "")

	// 3. Errors
	fmt.Fprintln(w, "\033[1;36m[ NETWORK HEALTH / ERRORS ]\033[0m")
	fmt.Fprintf(w, "  Total Failures:\t%d\n", s.Failures)
	if s.Failures > 0 {
		timeoutPct := float64(s.Timeouts) / float64(s.Failures) * 100
		fmt.Fprintf(w, "  Timeouts:\t%d (%.1f%%)\n", s.Timeouts, timeoutPct)

		var classes []string
		for k := range s.Errors {
			if k != ErrTimeout {
				classes = append(classes, k)
			}
		}
		sort.Strings(classes)
		for _, k := range classes {
			fmt.Fprintf(w, "  %s:\t%d\n", k, s.Errors[k])
		}

		fmt.Fprintln(w, "  --------------------------------")
		if timeoutPct > 70 {
			fmt.Fprintln(w, "  ⚠️  \033[1;31mMOSTLY TIMEOUTS\033[0m")
			fmt.Fprintln(w, "  >70% of failures are timeouts. The upstream server is slow,")
			fmt.Fprintln(w, "  filtered, or dropping packets silently.")
		} else {
			fmt.Fprintln(w, "  ✅ Failures are mostly active rejections.")
		}
	}

	w.Flush()
	fmt.Fprintln(out, "")
}

// RecommendedRetries is the smallest retry count that would have caught
// 98% of the successes.
func (s Summary) RecommendedRetries(currentRetries int) int {
	if s.Successes == 0 {
		return currentRetries
	}
	accumulated := 0.0
	for i := 0; i <= currentRetries; i++ {
		accumulated += float64(s.SuccessByAttempt[i]) / float64(s.Successes)
		if accumulated > 0.98 {
			return i
		}
	}
	return currentRetries
}

func average(d []time.Duration) time.Duration {
	if len(d) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range d {
		sum += v
	}
	return time.Duration(int64(sum) / int64(len(d)))
}
