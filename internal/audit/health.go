package audit

import "time"

// UnhealthyErrorRate is the failed/total ratio above which the writer
// reports itself unhealthy.
const UnhealthyErrorRate = 0.01

// Health is a snapshot of writer state.
type Health struct {
	Healthy      bool       `json:"healthy"`
	TotalWrites  int64      `json:"totalWrites"`
	FailedWrites int64      `json:"failedWrites"`
	ErrorRate    float64    `json:"errorRate"`
	QueueDepth   int        `json:"queueDepth"`
	LastError    string     `json:"lastError,omitempty"`
	LastErrorAt  *time.Time `json:"lastErrorAt,omitempty"`
	Path         string     `json:"path"`
	Closed       bool       `json:"closed"`
}

type healthState struct {
	total     int64
	failed    int64
	lastErr   string
	lastErrAt time.Time
	healthy   bool
}

func (h *healthState) record(err error) {
	h.total++
	if err != nil {
		h.failed++
		h.lastErr = err.Error()
		h.lastErrAt = time.Now().UTC()
	}
}

func (h *healthState) rate() float64 {
	if h.total == 0 {
		return 0
	}
	return float64(h.failed) / float64(h.total)
}

func (h *healthState) isHealthy() bool {
	return h.rate() <= UnhealthyErrorRate
}
