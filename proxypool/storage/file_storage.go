package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/proxypool/model"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const markerSuffix = ".lastfetch"

// Storage 接口定义了代理列表持久化的行为。
type Storage interface {
	Load() ([]string, error)
	Append(lines []string) (int, error)
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 每行一个规范化的代理字符串，'#' 开头的行和空行在加载时被忽略。
// 写入只追加、从不截断，因此多个进程并发写入时最坏情况是出现重复行。
type FileStorage struct {
	filePath string
	mu       sync.Mutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Path returns the backing file path.
func (fs *FileStorage) Path() string {
	return fs.filePath
}

// Load 读取文件中的所有有效行，不做解析。文件不存在时返回空列表。
func (fs *FileStorage) Load() ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	lines, err := fs.readLines()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.Info().Str("path", fs.filePath).Msg("Proxy list file not found, starting with an empty pool.")
			return []string{}, nil
		}
		return nil, storageErr("read", fs.filePath, err)
	}

	l.Debug().Str("path", fs.filePath).Int("count", len(lines)).Msg("Loaded proxy lines from file.")
	return lines, nil
}

// Append 追加文件中尚不存在的条目（按代理身份大小写不敏感去重），
// 每行用一次 Write 调用写出，返回实际写入的行数。
func (fs *FileStorage) Append(lines []string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	existing, err := fs.readLines()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, storageErr("read", fs.filePath, err)
	}
	seen := make(map[string]struct{}, len(existing)+len(lines))
	for _, line := range existing {
		seen[dedupKey(line)] = struct{}{}
	}

	file, err := os.OpenFile(fs.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, storageErr("open", fs.filePath, err)
	}
	defer file.Close()

	if err := fs.terminateLastLine(file); err != nil {
		return 0, storageErr("write", fs.filePath, err)
	}

	written := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := dedupKey(line)
		if _, dup := seen[key]; dup {
			continue
		}
		if _, err := file.Write([]byte(line + "\n")); err != nil {
			return written, storageErr("write", fs.filePath, err)
		}
		seen[key] = struct{}{}
		written++
	}

	if written > 0 {
		l.Info().Str("path", fs.filePath).Int("count", written).Msg("Appended proxies to file.")
	}
	return written, nil
}

// ReadMarker 读取上次成功采集的时间戳，没有记录时返回零值。
func (fs *FileStorage) ReadMarker() (time.Time, error) {
	data, err := os.ReadFile(fs.filePath + markerSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, nil
		}
		return time.Time{}, storageErr("read", fs.filePath+markerSuffix, err)
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, nil
	}
	return time.Unix(unix, 0), nil
}

// WriteMarker records the last successful fetch time.
func (fs *FileStorage) WriteMarker(t time.Time) error {
	data := []byte(strconv.FormatInt(t.Unix(), 10) + "\n")
	if err := os.WriteFile(fs.filePath+markerSuffix, data, 0644); err != nil {
		return storageErr("write", fs.filePath+markerSuffix, err)
	}
	return nil
}

// readLines 必须在持有 fs.mu 时调用。
func (fs *FileStorage) readLines() ([]string, error) {
	file, err := os.Open(fs.filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// terminateLastLine 保证追加内容不会拼接到一条没有换行结尾的旧行上。
func (fs *FileStorage) terminateLastLine(file *os.File) error {
	info, err := file.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	r, err := os.Open(fs.filePath)
	if err != nil {
		return err
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return err
	}
	if last[0] != '\n' {
		_, err = file.Write([]byte("\n"))
	}
	return err
}

func dedupKey(line string) string {
	if spec, err := model.Parse(line); err == nil {
		return spec.ID()
	}
	return strings.ToLower(line)
}

func storageErr(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", model.ErrStorageIO, op, path, err)
}
