package model

import "time"

// ErrorKind 保留探测失败的具体原因，仅用于诊断，不影响成功/失败的判定。
type ErrorKind uint8

const (
	ErrKindNone ErrorKind = iota
	ErrKindTimeout
	ErrKindConnectionRefused
	ErrKindProtocol
	ErrKindBadStatus
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindConnectionRefused:
		return "connection_refused"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindBadStatus:
		return "bad_status"
	default:
		return "unknown"
	}
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ProbeResult is the outcome of one bounded-timeout request through a proxy.
type ProbeResult struct {
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code,omitempty"` // 0 表示没有收到响应
	Latency    time.Duration `json:"latency,omitempty"`     // 0 表示没有测得
	Kind       ErrorKind     `json:"error_kind"`
	Err        error         `json:"-"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// LatencyMs returns the latency in milliseconds and whether one was measured.
func (r ProbeResult) LatencyMs() (uint, bool) {
	if r.Latency <= 0 {
		return 0, false
	}
	return uint(r.Latency.Milliseconds()), true
}

// ErrorString is "" for successful probes.
func (r ProbeResult) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
