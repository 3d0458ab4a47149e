package main

import (
	"sort"
	"sync"
	"time"
)

// op is a kind of simulated user action.
type op int

const (
	opSend op = iota
	opRead
	numOps
)

func (o op) String() string {
	switch o {
	case opSend:
		return "send"
	case opRead:
		return "read"
	}
	return "unknown"
}

// opLatency collects the outcomes of one kind of op. Failures carry no latency.
type opLatency struct {
	ok, failed    int64
	sum, min, max time.Duration
	samples       []time.Duration
}

func (l *opLatency) observe(d time.Duration) {
	l.ok++
	l.sum += d
	if l.ok == 1 || d < l.min {
		l.min = d
	}
	if d > l.max {
		l.max = d
	}
	l.samples = append(l.samples, d)
}

func (l *opLatency) summary(o op) OpSummary {
	sum := OpSummary{
		Op:     o.String(),
		OK:     l.ok,
		Failed: l.failed,
		Min:    l.min,
		Max:    l.max,
		P50:    percentile(l.samples, 0.50),
		P99:    percentile(l.samples, 0.99),
	}
	if l.ok > 0 {
		sum.Avg = l.sum / time.Duration(l.ok)
	}
	return sum
}

// Stats is safe for concurrent use by the simulated users.
type Stats struct {
	mu  sync.Mutex
	ops [numOps]opLatency
}

func (s *Stats) record(o op, latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &s.ops[o]
	if err != nil {
		l.failed++
		return
	}
	l.observe(latency)
}

// OpSummary describes one kind of op.
type OpSummary struct {
	Op                      string
	OK, Failed              int64
	Avg, Min, Max, P50, P99 time.Duration
}

// Report is a snapshot of the collected numbers.
type Report struct {
	Ops               []OpSummary
	Total, Failed     int64
	RequestsPerSecond float64
}

func (s *Stats) Report(elapsed time.Duration) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	var r Report
	for o := op(0); o < numOps; o++ {
		sum := s.ops[o].summary(o)
		r.Ops = append(r.Ops, sum)
		r.Total += sum.OK + sum.Failed
		r.Failed += sum.Failed
	}
	if elapsed > 0 {
		r.RequestsPerSecond = float64(r.Total) / elapsed.Seconds()
	}
	return r
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
