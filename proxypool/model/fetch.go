package model

import "time"

// FetchRequest 是交给外部采集后端的参数。
type FetchRequest struct {
	Protocols       []Scheme
	TargetCount     int
	PerProbeTimeout time.Duration
	Concurrency     int
	Sources         []string
}

// FetchResponse is what an acquisition backend hands back: raw proxy strings plus free-form stats.
type FetchResponse struct {
	Success bool
	Proxies []string
	Stats   map[string]int
}

// FetchSession 记录一次自动采集周期，只在内存中存在。
type FetchSession struct {
	ID                 string    `json:"id"`
	TriggeredAt        time.Time `json:"triggered_at"`
	TargetCount        int       `json:"target_count"`
	ProtocolsRequested []string  `json:"protocols_requested"`
	ResultCount        int       `json:"result_count"`
	Forced             bool      `json:"forced"`
}

// FetchStatus distinguishes "nothing to do" from "tried and failed" from "tried and succeeded".
type FetchStatus uint8

const (
	FetchFresh FetchStatus = iota
	FetchThrottled
	FetchSucceeded
	FetchFailed
)

func (s FetchStatus) String() string {
	switch s {
	case FetchFresh:
		return "fresh"
	case FetchThrottled:
		return "throttled"
	case FetchSucceeded:
		return "succeeded"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s FetchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FetchOutcome 是 Ensure 的结构化返回值。
type FetchOutcome struct {
	Status     FetchStatus `json:"status"`
	Fetched    bool        `json:"fetched"`
	AddedCount int         `json:"added_count"`
	Error      string      `json:"error,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
}
