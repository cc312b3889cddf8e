package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the connection pool snapshot reported by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is satisfied by *pgxpool.Pool and by the Mongo bill store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck names a dependency probed by HealthHandler.
type HealthCheck struct {
	Name   string
	Pinger Pinger
}

type healthReport struct {
	Success bool              `json:"success"`
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Pool    *PoolStats        `json:"pool,omitempty"`
}

// HealthHandler pings every check and reports 503 if any of them fails.
// pool may be nil, in which case no pool statistics are included.
func HealthHandler(pool *pgxpool.Pool, checks ...HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := healthReport{Success: true, Status: "healthy", Checks: make(map[string]string, len(checks))}
		for _, chk := range checks {
			if err := chk.Pinger.Ping(ctx); err != nil {
				report.Checks[chk.Name] = err.Error()
				report.Success = false
				report.Status = "unhealthy"
				continue
			}
			report.Checks[chk.Name] = "ok"
		}
		if pool != nil {
			report.Pool = GetPoolStats(pool)
		}

		if !report.Success {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
