package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Accumulator keeps lightweight in-process traffic counters, independent of
// the persistent Collector. It backs the shutdown summary and costs a few
// atomic increments per request.
type Accumulator struct {
	totalRequests   atomic.Int64
	blockedRequests atomic.Int64
	rateLimited     atomic.Int64
	failedRequests  atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64

	domains *xsync.Map[string, *domainCounters]
}

type domainCounters struct {
	requests atomic.Int64
	bytes    atomic.Int64
}

// DomainTotal is one row of the accumulator snapshot.
type DomainTotal struct {
	Domain   string
	Requests int64
	Bytes    int64
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		domains: xsync.NewMap[string, *domainCounters](),
	}
}

// ObserveRequest counts a completed proxied request and its byte totals.
func (a *Accumulator) ObserveRequest(host string, bytesSent, bytesReceived int64, failed bool) {
	a.totalRequests.Add(1)
	if failed {
		a.failedRequests.Add(1)
	}
	a.bytesSent.Add(bytesSent)
	a.bytesReceived.Add(bytesReceived)

	counters, _ := a.domains.LoadOrCompute(host, func() (*domainCounters, bool) {
		return &domainCounters{}, false
	})
	counters.requests.Add(1)
	counters.bytes.Add(bytesSent + bytesReceived)
}

// ObserveBlocked counts a policy denial.
func (a *Accumulator) ObserveBlocked() {
	a.blockedRequests.Add(1)
}

// ObserveRateLimited counts a rate limiter rejection.
func (a *Accumulator) ObserveRateLimited() {
	a.rateLimited.Add(1)
}

// TotalRequests returns the number of observed proxied requests.
func (a *Accumulator) TotalRequests() int64 { return a.totalRequests.Load() }

// BlockedRequests returns the number of observed policy denials.
func (a *Accumulator) BlockedRequests() int64 { return a.blockedRequests.Load() }

// RateLimited returns the number of observed rate limiter rejections.
func (a *Accumulator) RateLimited() int64 { return a.rateLimited.Load() }

// TopDomains returns up to limit domains ordered by request count.
func (a *Accumulator) TopDomains(limit int) []DomainTotal {
	var totals []DomainTotal
	a.domains.Range(func(domain string, counters *domainCounters) bool {
		totals = append(totals, DomainTotal{
			Domain:   domain,
			Requests: counters.requests.Load(),
			Bytes:    counters.bytes.Load(),
		})
		return true
	})
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Requests != totals[j].Requests {
			return totals[i].Requests > totals[j].Requests
		}
		return totals[i].Domain < totals[j].Domain
	})
	if limit > 0 && len(totals) > limit {
		totals = totals[:limit]
	}
	return totals
}

// Summary renders a human-readable traffic report.
func (a *Accumulator) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Traffic summary:\n")
	fmt.Fprintf(&b, "  requests:             %d\n", a.totalRequests.Load())
	fmt.Fprintf(&b, "  failed:               %d\n", a.failedRequests.Load())
	fmt.Fprintf(&b, "  blocked:              %d\n", a.blockedRequests.Load())
	fmt.Fprintf(&b, "  rate limited:         %d\n", a.rateLimited.Load())
	fmt.Fprintf(&b, "  bytes to upstream:    %d\n", a.bytesSent.Load())
	fmt.Fprintf(&b, "  bytes to clients:     %d\n", a.bytesReceived.Load())

	top := a.TopDomains(10)
	if len(top) > 0 {
		fmt.Fprintf(&b, "  top domains:\n")
		for _, d := range top {
			fmt.Fprintf(&b, "    %-40s %6d requests %12d bytes\n", d.Domain, d.Requests, d.Bytes)
		}
	}
	return b.String()
}
