package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

type recordingReporter struct {
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) { r.reported = append(r.reported, ee) }
func (r *recordingReporter) IsEnabled() bool               { return true }

func TestFastPathNoTelemetry(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("test error")).Build()

	if ee.Err.Error() != "test error" {
		t.Errorf("Expected error message 'test error', got '%s'", ee.Err.Error())
	}
	if ee.GetComponent() != ComponentUnknown {
		t.Errorf("Expected component 'unknown' in fast path, got '%s'", ee.GetComponent())
	}
	if ee.Category != CategoryGeneric {
		t.Errorf("Expected category 'generic' in fast path, got '%s'", ee.Category)
	}
}

func TestBuilderSetsMetadata(t *testing.T) {
	t.Parallel()

	ee := Newf("fetch failed for %s", "konya").
		Component("imagesource").
		Category(CategoryImageFetch).
		Priority(PriorityHigh).
		Context("bbox", "[32.4,37.8,32.5,37.9]").
		Build()

	if ee.GetComponent() != "imagesource" {
		t.Errorf("Expected component 'imagesource', got '%s'", ee.GetComponent())
	}
	if ee.Category != CategoryImageFetch {
		t.Errorf("Expected category %s, got %s", CategoryImageFetch, ee.Category)
	}
	if ee.Priority != PriorityHigh {
		t.Errorf("Expected priority high, got %s", ee.Priority)
	}
	if ee.GetContext()["bbox"] != "[32.4,37.8,32.5,37.9]" {
		t.Errorf("Context value not stored: %v", ee.GetContext())
	}
}

func TestWrappedEnhancedErrorKeepsCategory(t *testing.T) {
	t.Parallel()

	inner := Newf("scene lookup failed").Category(CategoryImageFetch).Build()
	outer := New(fmt.Errorf("whole-area run: %w", inner)).Build()
	if outer.Category != CategoryImageFetch {
		t.Errorf("Expected inherited category %s, got %s", CategoryImageFetch, outer.Category)
	}
	if !IsFetch(outer) {
		t.Error("Expected IsFetch to match the wrapper")
	}
}

func TestInvalidPriorityFallsBackToMedium(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("boom")).Priority("urgent").Build()
	if ee.Priority != PriorityMedium {
		t.Errorf("Expected medium priority fallback, got %q", ee.Priority)
	}
}

func TestCategoryPredicates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		check    func(error) bool
		expected bool
	}{
		{"configuration", New(NewStd("missing client id")).Category(CategoryConfiguration).Build(), IsConfiguration, true},
		{"fetch", New(NewStd("no scene")).Category(CategoryImageFetch).Build(), IsFetch, true},
		{"detection", New(NewStd("bad image")).Category(CategoryDetection).Build(), IsDetection, true},
		{"persistence", New(NewStd("disk full")).Category(CategoryDatabase).Build(), IsPersistence, true},
		{"wrong category", New(NewStd("no scene")).Category(CategoryImageFetch).Build(), IsDetection, false},
		{"plain error", NewStd("plain"), IsFetch, false},
		{"nil", nil, IsFetch, false},
		{"wrapped with fmt", fmt.Errorf("run: %w", New(NewStd("x")).Category(CategoryDetection).Build()), IsDetection, true},
		{"joined", Join(NewStd("a"), New(NewStd("b")).Category(CategoryDatabase).Build()), IsPersistence, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.check(tt.err); got != tt.expected {
				t.Errorf("Expected %v, got %v for %v", tt.expected, got, tt.err)
			}
		})
	}
}

func TestNestedCategoryIsFound(t *testing.T) {
	t.Parallel()

	inner := New(NewStd("token endpoint 401")).Category(CategoryConfiguration).Build()
	outer := New(inner).Category(CategoryImageFetch).Build()

	if !IsFetch(outer) {
		t.Error("Expected outer category to match")
	}
	if !IsConfiguration(outer) {
		t.Error("Expected inner category to be reachable through Unwrap")
	}
}

func TestCategoryInheritedFromWrappedError(t *testing.T) {
	t.Parallel()

	inner := New(NewStd("detector returned 422")).Category(CategoryDetection).Build()
	outer := New(fmt.Errorf("cell 2,3: %w", inner)).Build()

	if outer.Category != CategoryDetection {
		t.Errorf("Expected category to be inherited, got %s", outer.Category)
	}
}

func TestDeadlineCategorizedAsTimeout(t *testing.T) {
	t.Parallel()

	ee := New(fmt.Errorf("fetch: %w", context.DeadlineExceeded)).Build()
	if ee.Category != CategoryTimeout {
		t.Errorf("Expected timeout category, got %s", ee.Category)
	}
}

func TestEnhancedErrorIsMatchesCategory(t *testing.T) {
	t.Parallel()

	a := New(NewStd("a")).Category(CategoryDatabase).Build()
	b := New(NewStd("b")).Category(CategoryDatabase).Build()
	c := New(NewStd("c")).Category(CategoryDetection).Build()

	if !Is(a, b) {
		t.Error("Expected errors with the same category to match")
	}
	if Is(a, c) {
		t.Error("Expected errors with different categories not to match")
	}
}

func TestTelemetryReporterReceivesErrors(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	_ = New(NewStd("insert failed")).Component("datastore").Category(CategoryDatabase).Build()

	if len(reporter.reported) != 1 {
		t.Fatalf("Expected 1 reported error, got %d", len(reporter.reported))
	}
	if reporter.reported[0].GetComponent() != "datastore" {
		t.Errorf("Expected component datastore, got %s", reporter.reported[0].GetComponent())
	}
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	msg := scrubMessage("token request to https://services.sentinel-hub.com/oauth/token?client_secret=abc failed")
	if strings.Contains(msg, "abc") {
		t.Errorf("Query string not scrubbed: %s", msg)
	}

	msg = scrubMessage("auth failed: client_secret=hunter2 client_id=my-client")
	if strings.Contains(msg, "hunter2") || strings.Contains(msg, "my-client") {
		t.Errorf("Credentials not scrubbed: %s", msg)
	}

	msg = scrubMessage("header Bearer eyJhbGciOi")
	if strings.Contains(msg, "eyJhbGciOi") {
		t.Errorf("Bearer token not scrubbed: %s", msg)
	}
}

func TestGenerateErrorTitle(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("x")).
		Component("pipeline").
		Category(CategoryDetection).
		Context("operation", "run_custom_area").
		Build()

	title := generateErrorTitle(ee)
	if title != "Pipeline Detection Error Run Custom Area" {
		t.Errorf("Unexpected title: %s", title)
	}
}
