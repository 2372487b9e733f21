package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"liuproxy_keeper/internal/shared/logger"
	"liuproxy_keeper/proxypool/model"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTarget 是一个低延迟的 IP 回显服务。
	DefaultTarget    = "https://api.ipify.org?format=json"
	defaultTimeout   = 8 * time.Second
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"
	maxBodyDrain     = 64 << 10
)

// Options configures a Validator. Zero values fall back to defaults.
type Options struct {
	Target            string
	Timeout           time.Duration
	ConnectRatio      float64 // HTTP(S) 代理的连接超时占总超时的比例
	SOCKSConnectRatio float64 // SOCKS 代理需要先完成握手，比例更小
	Concurrency       int
	UserAgent         string
}

// Validator 是健康探测器：通过候选代理发出一次有时限的 GET 请求。
// 它不修改任何记录，结果由调用方在锁外应用到 Store。
type Validator struct {
	opts Options
}

func NewValidator(opts Options) *Validator {
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.ConnectRatio <= 0 || opts.ConnectRatio >= 1 {
		opts.ConnectRatio = 0.5
	}
	if opts.SOCKSConnectRatio <= 0 || opts.SOCKSConnectRatio >= 1 {
		opts.SOCKSConnectRatio = 0.4
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Validator{opts: opts}
}

// Target returns the default probe URL.
func (v *Validator) Target() string { return v.opts.Target }

// Timeout returns the default per-probe timeout.
func (v *Validator) Timeout() time.Duration { return v.opts.Timeout }

// Probe 校验已知协议的代理。target 为空时使用默认地址，timeout <= 0 时使用默认超时。
// 当且仅当在时限内收到 200 <= status < 400 的响应时 OK 为 true。
func (v *Validator) Probe(ctx context.Context, spec model.ProxySpec, target string, timeout time.Duration) model.ProbeResult {
	if target == "" {
		target = v.opts.Target
	}
	if timeout <= 0 {
		timeout = v.opts.Timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := newTransport(spec, v.connectTimeout(spec.Scheme, timeout))
	if err != nil {
		return model.ProbeResult{Kind: model.ErrKindProtocol, Err: err, CheckedAt: time.Now()}
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return model.ProbeResult{Kind: model.ErrKindProtocol, Err: fmt.Errorf("bad probe target: %w", err), CheckedAt: time.Now()}
	}
	req.Header.Set("User-Agent", v.opts.UserAgent)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return model.ProbeResult{Kind: classify(ctx, err), Err: err, CheckedAt: time.Now()}
	}
	latency := time.Since(start)
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyDrain))
	resp.Body.Close()

	result := model.ProbeResult{
		StatusCode: resp.StatusCode,
		Latency:    latency,
		CheckedAt:  time.Now(),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		result.OK = true
	} else {
		result.Kind = model.ErrKindBadStatus
		result.Err = fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return result
}

// Detect 依次尝试 model.DetectOrder 中的协议，第一个成功即返回。
// 最坏情况下花费 6 倍的探测时间，因此与 Probe 分开暴露。
func (v *Validator) Detect(ctx context.Context, spec model.ProxySpec, target string, timeout time.Duration) (model.ProxySpec, model.ProbeResult) {
	l := logger.WithComponent("ProxyPool/Validator")

	last := model.ProbeResult{Kind: model.ErrKindTimeout, Err: context.Canceled, CheckedAt: time.Now()}
	for _, scheme := range model.DetectOrder {
		if err := ctx.Err(); err != nil {
			last.Err = err
			break
		}
		candidate := spec.WithScheme(scheme)
		res := v.Probe(ctx, candidate, target, timeout)
		if res.OK {
			l.Debug().Str("address", spec.Address()).Str("scheme", scheme.String()).Msg("Protocol detected.")
			return candidate, res
		}
		last = res
	}
	return spec, last
}

// ProbeBatch 使用有界的 worker 池并发探测，结果顺序与输入一致。
func (v *Validator) ProbeBatch(ctx context.Context, specs []model.ProxySpec, target string, timeout time.Duration, concurrency int) []model.ProbeResult {
	l := logger.WithComponent("ProxyPool/Validator")
	results := make([]model.ProbeResult, len(specs))
	if len(specs) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = v.opts.Concurrency
	}

	l.Info().Int("count", len(specs)).Int("concurrency", concurrency).Msg("Starting validation batch...")

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			results[i] = v.Probe(ctx, spec, target, timeout)
			return nil
		})
	}
	g.Wait()

	alive := 0
	for _, r := range results {
		if r.OK {
			alive++
		}
	}
	l.Info().Int("count", len(specs)).Int("alive", alive).Msg("Validation batch finished.")
	return results
}

func (v *Validator) connectTimeout(s model.Scheme, total time.Duration) time.Duration {
	ratio := v.opts.ConnectRatio
	if s.IsSOCKS() {
		ratio = v.opts.SOCKSConnectRatio
	}
	return time.Duration(float64(total) * ratio)
}

// classify 把传输层错误映射为 ErrorKind。
func classify(ctx context.Context, err error) model.ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return model.ErrKindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return model.ErrKindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return model.ErrKindConnectionRefused
	default:
		return model.ErrKindProtocol
	}
}
