// Package errors provides centralized error handling with optional telemetry integration
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrorCategory groups errors by failure kind. Callers branch on it and
// the API maps it to status codes.
type ErrorCategory string

const (
	// Pipeline failure taxonomy
	CategoryConfiguration ErrorCategory = "configuration" // Missing or invalid credentials and settings
	CategoryImageFetch    ErrorCategory = "image-fetch"   // Satellite imagery acquisition
	CategoryDetection     ErrorCategory = "detection"     // Vehicle detection inference
	CategoryDatabase      ErrorCategory = "database"      // Persistence failures

	CategoryValidation   ErrorCategory = "validation"
	CategoryNetwork      ErrorCategory = "network"
	CategoryHTTP         ErrorCategory = "http-request"
	CategoryFileIO       ErrorCategory = "file-io"
	CategoryNotFound     ErrorCategory = "not-found"
	CategoryConflict     ErrorCategory = "conflict"
	CategoryState        ErrorCategory = "state"
	CategoryJobQueue     ErrorCategory = "job-queue"
	CategoryMQTTConnect  ErrorCategory = "mqtt-connection"
	CategoryMQTTPublish  ErrorCategory = "mqtt-publish"
	CategoryNotification ErrorCategory = "notification"
	CategoryTimeout      ErrorCategory = "timeout"
	CategoryCancellation ErrorCategory = "cancellation"
	CategoryGeneric      ErrorCategory = "generic"
)

// Priorities tag telemetry events.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ComponentUnknown is used when the component cannot be determined.
const ComponentUnknown = "unknown"

// EnhancedError is a categorized error with the component it came from
// and key/value context for logs and telemetry.
type EnhancedError struct {
	Err       error
	component string // detected lazily from the call stack when unset
	Category  ErrorCategory
	Priority  string
	Context   map[string]any
	reported  bool
	mu        sync.RWMutex
	detected  bool
}

func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is implements error type checking. Two enhanced errors match when their
// categories match.
func (ee *EnhancedError) Is(target error) bool {
	if ee2, ok := target.(*EnhancedError); ok {
		return ee.Category == ee2.Category
	}
	return Is(ee.Err, target)
}

// GetComponent returns the component name, detecting it lazily if needed
func (ee *EnhancedError) GetComponent() string {
	ee.mu.RLock()
	if ee.detected || ee.component != "" {
		component := ee.component
		ee.mu.RUnlock()
		return component
	}
	ee.mu.RUnlock()

	ee.mu.Lock()
	defer ee.mu.Unlock()

	if ee.component == "" && !ee.detected {
		ee.component = detectComponent()
		ee.detected = true
		if ee.component == "" {
			ee.component = ComponentUnknown
		}
	}

	return ee.component
}

// GetCategory returns the error category
func (ee *EnhancedError) GetCategory() string {
	return string(ee.Category)
}

// GetContext returns a copy of the error context
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()

	if ee.Context == nil {
		return nil
	}

	contextCopy := make(map[string]any, len(ee.Context))
	maps.Copy(contextCopy, ee.Context)
	return contextCopy
}

// MarkReported records that telemetry has seen the error.
func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	defer ee.mu.Unlock()
	ee.reported = true
}

// IsReported reports whether MarkReported was called.
func (ee *EnhancedError) IsReported() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.reported
}

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  string
	context   map[string]any
}

// New starts a builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts a builder wrapping a formatted error.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component names the package the error came from.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the failure kind.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Priority sets the telemetry priority. Unknown values become medium.
func (eb *ErrorBuilder) Priority(priority string) *ErrorBuilder {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		eb.priority = priority
	default:
		if priority != "" {
			eb.priority = PriorityMedium
		}
	}
	return eb
}

// Context attaches one key/value pair.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// NetworkContext records the kind of endpoint and the timeout. The URL
// itself is never stored.
func (eb *ErrorBuilder) NetworkContext(url string, timeout time.Duration) *ErrorBuilder {
	if url != "" {
		eb.Context("url_category", categorizeURL(url))
	}
	if timeout > 0 {
		eb.Context("timeout_seconds", timeout.Seconds())
	}
	return eb
}

// Timing records the operation name and how long it ran.
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	eb.Context("operation", operation)
	eb.Context("duration_ms", duration.Milliseconds())
	return eb
}

// hasActiveReporting is flipped when a telemetry reporter is installed
var hasActiveReporting atomic.Bool

// Build creates the EnhancedError and triggers optional telemetry reporting
func (eb *ErrorBuilder) Build() *EnhancedError {
	if eb.err == nil {
		eb.err = NewStd("unknown error")
	}

	// Fast path, skip stack inspection when nobody is listening
	if !hasActiveReporting.Load() {
		ee := &EnhancedError{
			Err:       eb.err,
			component: eb.component,
			Category:  eb.category,
			Priority:  eb.priority,
			Context:   eb.context,
			detected:  eb.component != "",
		}
		if ee.component == "" {
			ee.component = ComponentUnknown
			ee.detected = true
		}
		if ee.Category == "" {
			ee.Category = detectCategory(eb.err, ee.component)
		}
		return ee
	}

	if eb.component == "" {
		eb.component = detectComponent()
	}
	if eb.category == "" {
		eb.category = detectCategory(eb.err, eb.component)
	}

	ee := &EnhancedError{
		Err:       eb.err,
		component: eb.component,
		Category:  eb.category,
		Priority:  eb.priority,
		Context:   eb.context,
		detected:  true,
	}

	reportToTelemetry(ee)

	return ee
}

// Component registry for dynamic component detection
var (
	componentRegistry = make(map[string]string)
	registryMutex     sync.RWMutex
)

// RegisterComponent registers a package path pattern with a component name
func RegisterComponent(packagePattern, componentName string) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	componentRegistry[packagePattern] = componentName
}

func init() {
	RegisterComponent("internal/imagesource", "imagesource")
	RegisterComponent("internal/detector", "detector")
	RegisterComponent("internal/grid", "grid")
	RegisterComponent("internal/pipeline", "pipeline")
	RegisterComponent("internal/scheduler", "scheduler")
	RegisterComponent("internal/jobqueue", "jobqueue")
	RegisterComponent("internal/datastore", "datastore")
	RegisterComponent("internal/mqtt", "mqtt")
	RegisterComponent("internal/notification", "notification")
	RegisterComponent("internal/conf", "configuration")
	RegisterComponent("internal/telemetry", "telemetry")
	RegisterComponent("internal/api/", "api")
	RegisterComponent("internal/httpclient", "httpclient")
	RegisterComponent("internal/observability", "observability")
}

const errorsPackagePath = "github.com/tphakala/trafficsat/internal/errors"

// detectComponent walks the call stack to find the first registered component
func detectComponent() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	if n == len(pcs) {
		pcs = make([]uintptr, 32)
		n = runtime.Callers(2, pcs)
	}

	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, errorsPackagePath) {
			if component := lookupComponent(frame.Function); component != ComponentUnknown {
				return component
			}
		}
		if !more {
			break
		}
	}

	return ComponentUnknown
}

// lookupComponent searches the registry for a matching component
func lookupComponent(funcName string) string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	for pattern, component := range componentRegistry {
		if strings.Contains(funcName, pattern) {
			return component
		}
	}

	return ComponentUnknown
}

// detectCategory inherits the category of a wrapped EnhancedError, then
// falls back to one implied by the component.
func detectCategory(err error, component string) ErrorCategory {
	var inner *EnhancedError
	if stderrors.As(err, &inner) && inner.Category != "" {
		return inner.Category
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	switch component {
	case "imagesource":
		return CategoryImageFetch
	case "detector":
		return CategoryDetection
	case "datastore":
		return CategoryDatabase
	case "configuration":
		return CategoryConfiguration
	case "jobqueue":
		return CategoryJobQueue
	}

	return CategoryGeneric
}

// categorizeURL anonymizes URLs while preserving protocol and basic structure
func categorizeURL(url string) string {
	url = strings.ToLower(url)
	switch {
	case strings.HasPrefix(url, "http://"):
		return "http-endpoint"
	case strings.HasPrefix(url, "https://"):
		return "https-endpoint"
	case strings.HasPrefix(url, "tcp://"), strings.HasPrefix(url, "ssl://"):
		return "broker"
	default:
		return "other-protocol"
	}
}

// NewStd returns a plain error, for sentinels.
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is errors.As.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join is errors.Join.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// IsCategory walks err's tree, joined errors included, for an
// EnhancedError of category.
func IsCategory(err error, category ErrorCategory) bool {
	if err == nil {
		return false
	}
	if ee, ok := err.(*EnhancedError); ok && ee.Category == category {
		return true
	}
	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if IsCategory(e, category) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return IsCategory(x.Unwrap(), category)
	}
	return false
}

// IsNotFound reports a missing record or job.
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// IsConfiguration reports a missing or invalid configuration, such as absent provider credentials.
func IsConfiguration(err error) bool {
	return IsCategory(err, CategoryConfiguration)
}

// IsFetch reports an imagery acquisition failure.
func IsFetch(err error) bool {
	return IsCategory(err, CategoryImageFetch)
}

// IsDetection reports a detection failure.
func IsDetection(err error) bool {
	return IsCategory(err, CategoryDetection)
}

// IsPersistence reports a storage failure.
func IsPersistence(err error) bool {
	return IsCategory(err, CategoryDatabase)
}
