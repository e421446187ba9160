package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/resilience"
)

// CircuitSource is the breaker registry as seen by the API
type CircuitSource interface {
	Snapshot() []resilience.CircuitStatus
	Describe(key string) (resilience.CircuitStatus, bool)
	Reset(key string) bool
}

// CircuitDTO represents a circuit breaker in API responses
type CircuitDTO struct {
	Key              string     `json:"key"`
	State            string     `json:"state"`
	FailureCount     int        `json:"failure_count"`
	FailureThreshold int        `json:"failure_threshold"`
	RecoveryTimeout  string     `json:"recovery_timeout"`
	LastFailureTime  *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime  *time.Time `json:"last_success_time,omitempty"`
	TrialInFlight    bool       `json:"trial_in_flight"`
}

// CircuitSummary counts breakers per state
type CircuitSummary struct {
	Total    int          `json:"total"`
	Closed   int          `json:"closed"`
	Open     int          `json:"open"`
	HalfOpen int          `json:"half_open"`
	Circuits []CircuitDTO `json:"circuits"`
}

// ToCircuitDTO converts a breaker status to its API form
func ToCircuitDTO(status resilience.CircuitStatus) CircuitDTO {
	dto := CircuitDTO{
		Key:              status.Key,
		State:            status.State.String(),
		FailureCount:     status.FailureCount,
		FailureThreshold: status.FailureThreshold,
		RecoveryTimeout:  status.RecoveryTimeout.String(),
		TrialInFlight:    status.TrialInFlight,
	}
	if !status.LastFailureTime.IsZero() {
		t := status.LastFailureTime
		dto.LastFailureTime = &t
	}
	if !status.LastSuccessTime.IsZero() {
		t := status.LastSuccessTime
		dto.LastSuccessTime = &t
	}
	return dto
}

// CircuitHandler serves breaker state
type CircuitHandler struct {
	source CircuitSource
	logger *logging.Logger
}

// NewCircuitHandler creates a new circuit handler
func NewCircuitHandler(source CircuitSource, logger *logging.Logger) *CircuitHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &CircuitHandler{source: source, logger: logger}
}

// ListCircuits returns every breaker, optionally filtered by ?state=
func (h *CircuitHandler) ListCircuits(c *gin.Context) {
	filter := c.Query("state")
	if filter != "" {
		var state resilience.CircuitState
		if err := state.UnmarshalText([]byte(filter)); err != nil {
			BadRequestResponse(c, "state must be one of CLOSED, OPEN, HALF_OPEN")
			return
		}
	}

	summary := CircuitSummary{Circuits: []CircuitDTO{}}
	for _, status := range h.source.Snapshot() {
		summary.Total++
		switch status.State {
		case resilience.StateOpen:
			summary.Open++
		case resilience.StateHalfOpen:
			summary.HalfOpen++
		default:
			summary.Closed++
		}
		if filter == "" || status.State.String() == filter {
			summary.Circuits = append(summary.Circuits, ToCircuitDTO(status))
		}
	}

	SuccessResponse(c, summary)
}

// GetCircuit returns one breaker
func (h *CircuitHandler) GetCircuit(c *gin.Context) {
	status, ok := h.source.Describe(c.Param("key"))
	if !ok {
		NotFoundResponse(c, "Circuit not found")
		return
	}
	SuccessResponse(c, ToCircuitDTO(status))
}

// ResetCircuit forces a breaker back to Closed
func (h *CircuitHandler) ResetCircuit(c *gin.Context) {
	key := c.Param("key")
	if !h.source.Reset(key) {
		NotFoundResponse(c, "Circuit not found")
		return
	}

	h.logger.WithContext(c.Request.Context()).
		WithField("circuit", key).
		Warn("Circuit breaker reset by operator")

	status, _ := h.source.Describe(key)
	SuccessResponse(c, ToCircuitDTO(status))
}
