package health

import (
	"context"
	"encoding/json"
	"runtime"
	"strconv"
	"time"

	"tierqueue-backend/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// Pinger is a store that can check its connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober reports whether the allocation authority is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Dependencies are the things health and readiness look at. Nil members are
// reported as disconnected.
type Dependencies struct {
	Queue     Pinger
	Portfolio Pinger
	Redis     *redis.Client
	Authority Prober
}

// CollectResult is the /health/json document.
type CollectResult struct {
	Status       string               `json:"status"`
	Runtime      RuntimeInfo          `json:"runtime"`
	Traffic      TrafficInfo          `json:"traffic"`
	Dependencies map[string]DepStatus `json:"dependencies"`
}

type RuntimeInfo struct {
	UptimeSeconds int64      `json:"uptimeSeconds"`
	Memory        MemoryInfo `json:"memory"`
	Goroutines    int        `json:"goroutines"`
	Platform      string     `json:"platform"`
	GoVersion     string     `json:"goVersion"`
}

type MemoryInfo struct {
	Alloc    int `json:"alloc"`
	HeapUsed int `json:"heapUsed"`
}

type TrafficInfo struct {
	TotalRequests   int         `json:"totalRequests"`
	SuccessCount    int         `json:"successCount"`
	FailedCount     int         `json:"failedCount"`
	SuccessRate     string      `json:"successRate"`
	AvgResponseTime interface{} `json:"avgResponseTime"`
	LastRequest     interface{} `json:"lastRequest"`
}

type DepStatus struct {
	Status string      `json:"status"`
	PingMs interface{} `json:"pingMs"`
}

// Readiness is the /health/ready document.
type Readiness struct {
	Ready     bool `json:"ready"`
	Queue     bool `json:"queue_database"`
	Authority bool `json:"allocation_authority"`
}

// Ready is true when the queue database answers and the authority probe succeeds.
func Ready(ctx context.Context, deps Dependencies) Readiness {
	var r Readiness
	if deps.Queue != nil {
		r.Queue = deps.Queue.Ping(ctx) == nil
	}
	if deps.Authority != nil {
		r.Authority = deps.Authority.Probe(ctx)
	}
	r.Ready = r.Queue && r.Authority
	return r
}

func pingStore(ctx context.Context, p Pinger) DepStatus {
	if p == nil {
		return DepStatus{Status: "disconnected"}
	}
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return DepStatus{Status: "error"}
	}
	ms := time.Since(start).Milliseconds()
	return DepStatus{Status: "connected", PingMs: &ms}
}

// CollectHealth gathers dependency status, request traffic from Redis and runtime info.
func CollectHealth(ctx context.Context, deps Dependencies) CollectResult {
	result := CollectResult{
		Dependencies: make(map[string]DepStatus),
	}

	result.Dependencies["queue_database"] = pingStore(ctx, deps.Queue)
	result.Dependencies["portfolio_database"] = pingStore(ctx, deps.Portfolio)

	authority := DepStatus{Status: "unknown"}
	if deps.Authority != nil {
		start := time.Now()
		if deps.Authority.Probe(ctx) {
			ms := time.Since(start).Milliseconds()
			authority = DepStatus{Status: "reachable", PingMs: &ms}
		} else {
			authority = DepStatus{Status: "unreachable"}
		}
	}
	result.Dependencies["allocation_authority"] = authority

	// Redis + traffic stats
	redisStatus := "disconnected"
	var redisPingMs *int64
	stats := TrafficInfo{AvgResponseTime: 0, SuccessRate: "100"}
	startTimeMs := time.Now().UnixMilli()

	if rdb := deps.Redis; rdb != nil {
		start := time.Now()
		if err := rdb.Ping(ctx).Err(); err == nil {
			ms := time.Since(start).Milliseconds()
			redisPingMs = &ms
			redisStatus = "connected"

			totalReq, _ := rdb.Get(ctx, middleware.KeyReqTotal).Result()
			totalErr, _ := rdb.Get(ctx, middleware.KeyReqErrors).Result()
			totalTime, _ := rdb.Get(ctx, middleware.KeyResTime).Result()
			resCount, _ := rdb.Get(ctx, middleware.KeyResCount).Result()
			startTimeStr, _ := rdb.Get(ctx, middleware.KeyStartTime).Result()
			lastReqStr, _ := rdb.Get(ctx, middleware.KeyLastReq).Result()

			if startTimeStr != "" {
				if t, err := strconv.ParseInt(startTimeStr, 10, 64); err == nil {
					startTimeMs = t
				}
			} else {
				rdb.Set(ctx, middleware.KeyStartTime, startTimeMs, 0)
			}

			stats.TotalRequests, _ = strconv.Atoi(totalReq)
			stats.FailedCount, _ = strconv.Atoi(totalErr)
			stats.SuccessCount = stats.TotalRequests - stats.FailedCount
			if stats.TotalRequests > 0 {
				stats.SuccessRate = strconv.FormatFloat(float64(stats.SuccessCount)/float64(stats.TotalRequests)*100, 'f', 1, 64)
			}
			timeSum, _ := strconv.ParseFloat(totalTime, 64)
			countSum, _ := strconv.Atoi(resCount)
			if countSum > 0 {
				stats.AvgResponseTime = strconv.FormatFloat(timeSum/float64(countSum), 'f', 2, 64)
			}
			if lastReqStr != "" {
				var lastReq map[string]interface{}
				_ = json.Unmarshal([]byte(lastReqStr), &lastReq)
				stats.LastRequest = lastReq
			}
		} else {
			redisStatus = "error"
		}
	}
	result.Dependencies["redis"] = DepStatus{Status: redisStatus, PingMs: redisPingMs}
	result.Traffic = stats

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	uptimeSec := (time.Now().UnixMilli() - startTimeMs) / 1000
	if uptimeSec < 0 {
		uptimeSec = 0
	}
	result.Runtime = RuntimeInfo{
		UptimeSeconds: uptimeSec,
		Memory:        MemoryInfo{Alloc: int(m.Alloc / 1024 / 1024), HeapUsed: int(m.HeapInuse / 1024 / 1024)},
		Goroutines:    runtime.NumGoroutine(),
		Platform:      runtime.GOOS + " (" + runtime.GOARCH + ")",
		GoVersion:     runtime.Version(),
	}

	// Redis is optional; only the stores and the authority decide the status.
	if result.Dependencies["queue_database"].Status == "connected" &&
		result.Dependencies["portfolio_database"].Status == "connected" &&
		authority.Status == "reachable" {
		result.Status = "ok"
	} else {
		result.Status = "issue"
	}
	return result
}
