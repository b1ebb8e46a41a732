// Package alert posts device health alerts to chat platforms.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zulandar/switchyard/internal/health"
	"github.com/zulandar/switchyard/internal/models"
	"go.uber.org/zap"
)

// Color constants for alert severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Severities.
const (
	SeveritySuccess = "success"
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Alert is a platform-neutral chat message.
type Alert struct {
	Title    string
	Body     string
	Severity string
	Fields   []Field
}

// Field is a key-value pair displayed with an alert.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Color returns the sidebar color for the alert's severity.
func (a Alert) Color() string {
	switch a.Severity {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
	Close() error
}

// Multi fans an alert out to every notifier. Failures are joined; one
// failing destination does not stop the others.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Notifier.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop logs alerts at debug level and drops them.
type Nop struct {
	Log *zap.Logger
}

// Notify implements Notifier.
func (n Nop) Notify(_ context.Context, a Alert) error {
	if n.Log != nil {
		n.Log.Debug("alert dropped, no destination configured", zap.String("title", a.Title))
	}
	return nil
}

// Close implements Notifier.
func (Nop) Close() error { return nil }

func deviceName(dev *models.Device) string {
	if dev.Name != "" {
		return fmt.Sprintf("%s (%s)", dev.Name, dev.ID)
	}
	return dev.ID
}

// FormatCritical builds the alert sent when a device drops into CRITICAL.
func FormatCritical(dev *models.Device, r health.Report) Alert {
	a := Alert{
		Title:    fmt.Sprintf("Device %s is critical", deviceName(dev)),
		Severity: SeverityError,
		Fields: []Field{
			{Name: "Score", Value: strconv.Itoa(r.Score), Short: true},
			{Name: "Failure rate", Value: fmt.Sprintf("%.0f%%", r.FailureRate*100), Short: true},
			{Name: "Online", Value: strconv.FormatBool(r.IsOnline), Short: true},
		},
	}
	if r.BatteryLevel != nil {
		a.Fields = append(a.Fields, Field{Name: "Battery", Value: fmt.Sprintf("%d%%", *r.BatteryLevel), Short: true})
	}
	if r.ConsecutiveFailures > 0 {
		a.Fields = append(a.Fields, Field{Name: "Consecutive failures", Value: strconv.Itoa(r.ConsecutiveFailures), Short: true})
	}
	if len(r.Recommendations) > 0 {
		a.Body = "• " + strings.Join(r.Recommendations, "\n• ")
	}
	return a
}

// FormatRecovered builds the alert sent when a device leaves CRITICAL.
func FormatRecovered(dev *models.Device, r health.Report) Alert {
	return Alert{
		Title:    fmt.Sprintf("Device %s recovered", deviceName(dev)),
		Body:     fmt.Sprintf("Health is back to %s.", r.Status),
		Severity: SeveritySuccess,
		Fields: []Field{
			{Name: "Score", Value: strconv.Itoa(r.Score), Short: true},
		},
	}
}

// FormatHealed builds the alert sent when a sweep enqueued corrective
// commands.
func FormatHealed(dev *models.Device, h health.HealResult) Alert {
	var actions []string
	if h.Restart != nil {
		actions = append(actions, "restart")
	}
	if h.Sync != nil {
		actions = append(actions, "status sync")
	}
	return Alert{
		Title:    fmt.Sprintf("Auto-heal queued for %s", deviceName(dev)),
		Body:     "Queued: " + strings.Join(actions, ", "),
		Severity: SeverityWarning,
	}
}
