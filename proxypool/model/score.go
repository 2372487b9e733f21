package model

// ScoreEntry 是评分器对单个代理的累计统计，AvgLatencyMs 为 0 表示尚无延迟样本。
type ScoreEntry struct {
	ID           string
	Successes    uint64
	Failures     uint64
	AvgLatencyMs float64
}
