package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
)

type HealthStatus struct {
	Healthy           bool          `json:"healthy"`
	PendingEvents     int           `json:"pending_events"`
	OldestPendingAge  time.Duration `json:"oldest_pending_age"`
	DatabaseConnected bool          `json:"database_connected"`
	BrokerConnected   bool          `json:"broker_connected"`
	PollerActive      bool          `json:"poller_active"`
	Errors            []string      `json:"errors"`
}

// HealthChecker reports the delivery pipeline's health: connections up,
// poller alive, backlog within bounds.
type HealthChecker struct {
	poller   *Poller
	db       *sql.DB
	natsConn *nats.Conn
	repo     *Repository

	// Backlog thresholds beyond which the pipeline is reported degraded.
	maxPending    int
	maxPendingAge time.Duration
}

func NewHealthChecker(poller *Poller, db *sql.DB, natsConn *nats.Conn, repo *Repository) *HealthChecker {
	return &HealthChecker{
		poller:        poller,
		db:            db,
		natsConn:      natsConn,
		repo:          repo,
		maxPending:    1000,
		maxPendingAge: 5 * time.Minute,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	if err := h.db.PingContext(ctx); err != nil {
		status.DatabaseConnected = false
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.natsConn != nil {
		status.BrokerConnected = h.natsConn.IsConnected()
		if !status.BrokerConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	status.PollerActive = h.poller.Running()
	if !status.PollerActive {
		status.Healthy = false
		status.Errors = append(status.Errors, "outbox poller not active")
	}

	if status.DatabaseConnected {
		pending, err := h.repo.CountPending(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		} else {
			status.PendingEvents = pending
			if pending > h.maxPending {
				status.Healthy = false
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}

		age, err := h.repo.OldestPendingAge(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to read pending age: %v", err))
		} else {
			status.OldestPendingAge = age
			if age > h.maxPendingAge {
				status.Healthy = false
				status.Errors = append(status.Errors, fmt.Sprintf("oldest pending event waiting %s", age))
			}
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
