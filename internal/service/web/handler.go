package web

import (
	"context"
	"encoding/json"
	"errors"
	"liuproxy_keeper/internal/shared/globalstate"
	"liuproxy_keeper/internal/shared/logger"
	manager "liuproxy_keeper/proxypool"
	"liuproxy_keeper/proxypool/model"
	"liuproxy_keeper/proxypool/scorer"
	"net/http"
	"strconv"
	"time"
)

// PoolController 是 handler 访问代理池的接口，由 manager.Manager 实现。
type PoolController interface {
	Records() []model.ProxyRecord
	Stats() manager.PoolStats
	NextProxy(skipDead bool) (model.ProxySpec, bool)
	RandomProxy(skipDead bool) (model.ProxySpec, bool)
	TopProxies(n int) []scorer.Ranked
	MarkResult(id string, ok bool, latency time.Duration) error
	ProbeProxy(ctx context.Context, id string) (model.ProbeResult, error)
	DetectProxy(ctx context.Context, id string) (model.ProxySpec, model.ProbeResult, error)
	EnsureFreshPool(ctx context.Context, force bool) model.FetchOutcome
	ResetDeadFlags() int
	RemoveProxy(id string) bool
	ImportProxies(lines []string, def model.Scheme, source string) (int, []error)
}

type Handler struct {
	pool     PoolController
	skipDead bool
}

func NewHandler(pool PoolController, skipDead bool) *Handler {
	return &Handler{pool: pool, skipDead: skipDead}
}

type proxyView struct {
	ID    string          `json:"id"`
	Proxy string          `json:"proxy"`
	Spec  model.ProxySpec `json:"spec"`
}

func viewOf(spec model.ProxySpec) proxyView {
	return proxyView{ID: spec.ID(), Proxy: spec.String(), Spec: spec}
}

const maskedPassword = "******"

// redact 隐藏代理密码。只有 next/random 需要把完整凭据交给调用方。
func redact(spec model.ProxySpec) model.ProxySpec {
	if spec.Password != "" {
		spec.Password = maskedPassword
	}
	return spec
}

type probeView struct {
	model.ProbeResult
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

func probeViewOf(res model.ProbeResult) probeView {
	return probeView{ProbeResult: res, LatencyMs: res.Latency.Milliseconds(), Error: res.ErrorString()}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("Failed to encode JSON response.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) boolParam(r *http.Request, name string, def bool) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// HandleStatus 处理 GET /api/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     globalstate.GlobalStatus.Get(),
		"status_for": globalstate.GlobalStatus.Since().Round(time.Second).String(),
		"pool":       h.pool.Stats(),
	})
}

// HandleProxies 处理 GET/DELETE /api/proxies 请求
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		recs := h.pool.Records()
		for i := range recs {
			recs[i].Spec = redact(recs[i].Spec)
		}
		writeJSON(w, http.StatusOK, recs)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing id")
			return
		}
		if !h.pool.RemoveProxy(id) {
			writeError(w, http.StatusNotFound, "unknown proxy")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": id})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleNext 处理 GET /api/proxies/next 请求
func (h *Handler) HandleNext(w http.ResponseWriter, r *http.Request) {
	h.handlePick(w, r, h.pool.NextProxy)
}

// HandleRandom 处理 GET /api/proxies/random 请求
func (h *Handler) HandleRandom(w http.ResponseWriter, r *http.Request) {
	h.handlePick(w, r, h.pool.RandomProxy)
}

func (h *Handler) handlePick(w http.ResponseWriter, r *http.Request, pick func(bool) (model.ProxySpec, bool)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	spec, ok := pick(h.boolParam(r, "skip_dead", h.skipDead))
	if !ok {
		writeError(w, http.StatusNotFound, model.ErrPoolExhausted.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(spec))
}

// HandleTop 处理 GET /api/proxies/top?n= 请求
func (h *Handler) HandleTop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, h.pool.TopProxies(n))
}

type resultRequest struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	LatencyMs uint   `json:"latency_ms"`
}

// HandleResult 处理 POST /api/proxies/result 请求
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.pool.MarkResult(req.ID, req.OK, time.Duration(req.LatencyMs)*time.Millisecond)
	if errors.Is(err, model.ErrUnknownProxy) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "recorded"})
}

type probeRequest struct {
	ID     string `json:"id"`
	Detect bool   `json:"detect"`
}

// HandleProbe 处理 POST /api/proxies/probe 请求
func (h *Handler) HandleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req probeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Detect {
		spec, res, err := h.pool.DetectProxy(r.Context(), req.ID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"proxy": viewOf(redact(spec)), "result": probeViewOf(res)})
		return
	}

	res, err := h.pool.ProbeProxy(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, probeViewOf(res))
}

type importRequest struct {
	Proxies  []string `json:"proxies"`
	Protocol string   `json:"protocol"`
}

// HandleImport 处理 POST /api/proxies/import 请求
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Proxies) == 0 {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	def := model.SchemeHTTP
	if req.Protocol != "" {
		s, ok := model.ParseScheme(req.Protocol)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown protocol")
			return
		}
		def = s
	}

	added, errs := h.pool.ImportProxies(req.Proxies, def, "manual")
	rejected := make([]string, 0, len(errs))
	for _, err := range errs {
		rejected = append(rejected, err.Error())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"added": added, "rejected": rejected})
}

// HandleEnsure 处理 POST /api/pool/ensure?force= 请求
func (h *Handler) HandleEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	out := h.pool.EnsureFreshPool(r.Context(), h.boolParam(r, "force", false))
	writeJSON(w, http.StatusOK, out)
}

// HandleResetDead 处理 POST /api/pool/reset-dead 请求
func (h *Handler) HandleResetDead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revived": h.pool.ResetDeadFlags()})
}
