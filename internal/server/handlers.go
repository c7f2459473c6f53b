package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kage/internal/jobs"
	"github.com/ashita-ai/kage/internal/model"
	"github.com/ashita-ai/kage/internal/service/adjust"
	"github.com/ashita-ai/kage/internal/service/catalog"
	"github.com/ashita-ai/kage/internal/service/feedback"
	"github.com/ashita-ai/kage/internal/service/shadow"
	"github.com/ashita-ai/kage/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	storeKind           string
	catalog             *catalog.Catalog
	harness             *shadow.Harness
	feedback            *feedback.Service
	adjust              *adjust.Engine
	jobs                map[string]*jobs.Runner
	broker              *Broker
	openapiSpec         []byte
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Adjust, Jobs, Broker, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	StoreKind           string
	Catalog             *catalog.Catalog
	Harness             *shadow.Harness
	Feedback            *feedback.Service
	Adjust              *adjust.Engine
	Jobs                []*jobs.Runner
	Broker              *Broker
	OpenAPISpec         []byte
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	runners := make(map[string]*jobs.Runner, len(d.Jobs))
	for _, j := range d.Jobs {
		runners[j.Name()] = j
	}
	return &Handlers{
		store:               d.Store,
		storeKind:           d.StoreKind,
		catalog:             d.Catalog,
		harness:             d.Harness,
		feedback:            d.Feedback,
		adjust:              d.Adjust,
		jobs:                runners,
		broker:              d.Broker,
		openapiSpec:         d.OpenAPISpec,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	storeStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Store:       h.storeKind + ":" + storeStatus,
		QueueStatus: "ok",
		ActiveTools: h.catalog.ActiveTools(),
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}

	// Shadow queue health: >50% capacity = high, >75% = critical.
	if h.harness != nil {
		pool := h.harness.Pool()
		depth, capacity := pool.Len(), pool.Capacity()
		resp.QueueDepth = depth
		resp.QueueDropped = pool.Dropped()
		resp.PersistDropped = h.harness.PersistDropped()
		switch {
		case depth > capacity*3/4:
			resp.QueueStatus = "critical"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		case depth > capacity/2:
			resp.QueueStatus = "high"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
