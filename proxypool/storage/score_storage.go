package storage

import (
	"bufio"
	"errors"
	"fmt"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/proxypool/model"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	delimiter = "|"
	numFields = 4 // ID|Successes|Failures|AvgLatencyMs
)

// ScoreStorage 持久化评分器的累计统计，供重启后继续排名。
// 文件只属于一个进程，因此采用临时文件 + rename 的整体替换方式写入。
type ScoreStorage struct {
	filePath string
	mu       sync.Mutex
}

func NewScoreStorage(filePath string) *ScoreStorage {
	return &ScoreStorage{filePath: filePath}
}

// Load 从纯文本文件加载统计数据。
func (ss *ScoreStorage) Load() ([]model.ScoreEntry, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	l := logger.WithComponent("ProxyPool/ScoreStorage")

	file, err := os.Open(ss.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.ScoreEntry{}, nil
		}
		return nil, storageErr("open", ss.filePath, err)
	}
	defer file.Close()

	entries := make([]model.ScoreEntry, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in score file.")
			continue
		}

		e, err := parseScoreEntry(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse score entry, skipping.")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, storageErr("read", ss.filePath, err)
	}

	l.Info().Int("count", len(entries)).Msg("Loaded score entries from file.")
	return entries, nil
}

// Save 将统计数据整体写出。
func (ss *ScoreStorage) Save(entries []model.ScoreEntry) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	sorted := make([]model.ScoreEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	var sb strings.Builder
	for _, e := range sorted {
		sb.WriteString(formatScoreEntry(e))
		sb.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(ss.filePath), filepath.Base(ss.filePath)+".tmp-*")
	if err != nil {
		return storageErr("create", ss.filePath, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return storageErr("write", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("close", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), ss.filePath); err != nil {
		return storageErr("rename", ss.filePath, err)
	}

	l := logger.WithComponent("ProxyPool/ScoreStorage")
	l.Debug().Int("count", len(sorted)).Msg("Saved score entries.")
	return nil
}

func formatScoreEntry(e model.ScoreEntry) string {
	return strings.Join([]string{
		e.ID,
		strconv.FormatUint(e.Successes, 10),
		strconv.FormatUint(e.Failures, 10),
		strconv.FormatFloat(e.AvgLatencyMs, 'f', 2, 64),
	}, delimiter)
}

func parseScoreEntry(fields []string) (model.ScoreEntry, error) {
	successes, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return model.ScoreEntry{}, fmt.Errorf("invalid successes: %w", err)
	}
	failures, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return model.ScoreEntry{}, fmt.Errorf("invalid failures: %w", err)
	}
	avg, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return model.ScoreEntry{}, fmt.Errorf("invalid avg latency: %w", err)
	}
	return model.ScoreEntry{
		ID:           fields[0],
		Successes:    successes,
		Failures:     failures,
		AvgLatencyMs: avg,
	}, nil
}
