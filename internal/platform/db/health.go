package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

// Store is what the health endpoint needs from a backing database.
type Store interface {
	Ping(ctx context.Context) error
	Stats() *PoolStats
}

type pgStore struct{ pool *pgxpool.Pool }

// PgHealth adapts a pgx pool to Store.
func PgHealth(pool *pgxpool.Pool) Store { return pgStore{pool: pool} }

func (s pgStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }
func (s pgStore) Stats() *PoolStats              { return GetPoolStats(s.pool) }

type sqlStore struct{ db *sql.DB }

// SQLHealth adapts a database/sql handle (the sqlite store) to Store.
func SQLHealth(db *sql.DB) Store { return sqlStore{db: db} }

func (s sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s sqlStore) Stats() *PoolStats {
	stat := s.db.Stats()
	return &PoolStats{
		Driver:          "sqlite3",
		TotalConns:      int32(stat.OpenConnections),
		IdleConns:       int32(stat.Idle),
		AcquiredConns:   int32(stat.InUse),
		MaxConns:        int32(stat.MaxOpenConnections),
		AcquireCount:    stat.WaitCount,
		AcquireDuration: stat.WaitDuration.String(),
		Healthy:         stat.OpenConnections > 0,
	}
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		Driver:          "pgx",
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler returns a handler for the health check endpoint. extra is
// merged into the response body, e.g. the blockchain submission mode.
func HealthHandler(store Store, extra map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := store.Ping(ctx)
		stats := store.Stats()

		body := make(map[string]interface{}, len(extra)+3)
		for k, v := range extra {
			body[k] = v
		}
		body["pool"] = stats

		if err != nil {
			stats.Healthy = false
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		stats.Healthy = true
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
