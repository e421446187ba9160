package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity parses a severity name such as "WARNING"
func ParseSeverity(name string) (AlertSeverity, error) {
	for s := SeverityInfo; s <= SeverityCritical; s++ {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown alert severity %q", name)
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager routes alerts to handlers with a per-source rate limit
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.Mutex
	logger   *logging.Logger

	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration

	queue   chan Alert
	dropped int
}

// alertQueueSize bounds the circuit alerts waiting for the Run loop
const alertQueueSize = 64

// NewAlertManager creates a new alert manager
func NewAlertManager(logger *logging.Logger) *AlertManager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logger,
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100, // per source per reset interval
		resetInterval: time.Hour,
		queue:         make(chan Alert, alertQueueSize),
	}
}

// SetRateLimit changes how many alerts a source may send per interval
func (am *AlertManager) SetRateLimit(limit int, interval time.Duration) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.rateLimit = limit
	am.resetInterval = interval
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	am.mutex.Lock()
	allowed := am.checkRateLimit(alert.Source)
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.Unlock()

	if !allowed {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	am.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

// checkRateLimit must be called with the mutex held
func (am *AlertManager) checkRateLimit(source string) bool {
	now := time.Now()

	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// CircuitObserver returns a StateChangeFunc that raises an alert when a
// breaker opens and when it closes again. Alerts are queued for Run so the
// breaker's caller never waits on delivery; overflow is dropped and counted.
func (am *AlertManager) CircuitObserver() StateChangeFunc {
	return func(key string, from, to CircuitState) {
		var alert Alert
		switch to {
		case StateOpen:
			alert = Alert{
				Severity:    SeverityError,
				Title:       "Circuit Breaker Opened",
				Description: fmt.Sprintf("Circuit '%s' opened after transition from %s; calls fail fast until it recovers", key, from),
			}
		case StateClosed:
			alert = Alert{
				Severity:    SeverityInfo,
				Title:       "Circuit Breaker Closed",
				Description: fmt.Sprintf("Circuit '%s' recovered and closed", key),
			}
		default:
			return
		}

		alert.Source = "circuit_breaker"
		alert.Timestamp = time.Now()
		alert.Tags = map[string]string{
			"circuit": key,
			"from":    from.String(),
			"to":      to.String(),
		}

		select {
		case am.queue <- alert:
		default:
			am.mutex.Lock()
			am.dropped++
			am.mutex.Unlock()
			am.logger.Warn("Circuit alert queue full, dropping alert", "circuit", key, "to", to.String())
		}
	}
}

// Dropped returns how many circuit alerts overflowed the queue
func (am *AlertManager) Dropped() int {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	return am.dropped
}

// Run delivers queued circuit alerts until ctx is cancelled
func (am *AlertManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-am.queue:
			if err := am.SendAlert(ctx, alert); err != nil {
				am.logger.Error("Failed to send circuit alert", "circuit", alert.Tags["circuit"], "error", err)
			}
		}
	}
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LoggingAlertHandler{logger: logger}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// ErrorAlertGenerator turns terminal recovery failures into alerts
type ErrorAlertGenerator struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewErrorAlertGenerator creates a new error alert generator
func NewErrorAlertGenerator(alertManager *AlertManager) *ErrorAlertGenerator {
	return &ErrorAlertGenerator{
		alertManager: alertManager,
		logger:       alertManager.logger,
	}
}

// HandleError processes an error and generates an alert for it
func (eag *ErrorAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if err == nil {
		return
	}

	class := errors.Classify(err)
	if class.Kind == errors.KindCanceled {
		return
	}

	alert := Alert{
		Severity:    determineSeverity(class),
		Title:       generateTitle(class),
		Description: err.Error(),
		Source:      source,
		Tags: map[string]string{
			"error_type": string(class.Type),
			"error_kind": class.Kind.String(),
			"domain":     class.Domain.String(),
			"error_code": errors.GetCode(err),
		},
		Metadata: metadata,
	}

	if alertErr := eag.alertManager.SendAlert(ctx, alert); alertErr != nil {
		eag.logger.Error("Failed to send error alert",
			"original_error", err,
			"alert_error", alertErr,
			"source", source,
		)
	}
}

func determineSeverity(class errors.Classification) AlertSeverity {
	switch class.Kind {
	case errors.KindRecoveryExhausted:
		return SeverityError
	case errors.KindCircuitOpen:
		return SeverityWarning
	case errors.KindPermanent:
		if class.Type == errors.ErrorTypeValidation {
			return SeverityInfo
		}
		return SeverityWarning
	case errors.KindTransient:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func generateTitle(class errors.Classification) string {
	switch class.Kind {
	case errors.KindRecoveryExhausted:
		return "Recovery Exhausted"
	case errors.KindCircuitOpen:
		return "Call Rejected By Open Circuit"
	}

	switch class.Type {
	case errors.ErrorTypeTimeout:
		return "Operation Timeout"
	case errors.ErrorTypeConnection, errors.ErrorTypeUnavailable, errors.ErrorTypeExternal:
		return "Remote Service Error"
	case errors.ErrorTypeValidation:
		return "Validation Error"
	case errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization:
		return "Authentication Error"
	case errors.ErrorTypeElementNotFound, errors.ErrorTypeStaleElement:
		return "Interactive Surface Error"
	case errors.ErrorTypeSessionLost:
		return "Host Process Lost"
	default:
		return "Internal System Error"
	}
}
