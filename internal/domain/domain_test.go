package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestContentItem_Validate(t *testing.T) {
	cases := []struct {
		name string
		item ContentItem
		ok   bool
	}{
		{"text", ContentItem{Type: ContentText, Content: "hi"}, true},
		{"empty text", ContentItem{Type: ContentText}, false},
		{"clipboard image", ContentItem{Type: ContentImage, Source: SourceClipboard}, true},
		{"file image", ContentItem{Type: ContentImage, Source: SourceFile, Path: "/a.png"}, true},
		{"file image without path", ContentItem{Type: ContentImage, Source: SourceFile}, false},
		{"image without source", ContentItem{Type: ContentImage}, false},
		{"image bad source", ContentItem{Type: ContentImage, Source: "camera"}, false},
		{"file", ContentItem{Type: ContentFile, Path: "/a.pdf"}, true},
		{"file without path", ContentItem{Type: ContentFile}, false},
		{"missing type", ContentItem{Content: "x"}, false},
		{"unknown type", ContentItem{Type: "video"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.item.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBatchReport_Aggregate(t *testing.T) {
	delivered := ItemResult{State: StateDelivered}
	abandoned := ItemResult{State: StateAbandoned}

	r := &BatchReport{}
	if got := r.Aggregate(); got != OverallSuccess {
		t.Fatalf("empty report: expected success, got %s", got)
	}

	r.Recipients = []RecipientReport{{Recipient: "x", Items: []ItemResult{delivered, delivered}}}
	if got := r.Aggregate(); got != OverallSuccess {
		t.Fatalf("expected success, got %s", got)
	}

	r.Recipients = append(r.Recipients, RecipientReport{Recipient: "y", Items: []ItemResult{abandoned}})
	if got := r.Aggregate(); got != OverallPartialFailure {
		t.Fatalf("expected partial_failure, got %s", got)
	}

	r.Recipients = []RecipientReport{{Recipient: "y", Items: []ItemResult{abandoned, abandoned}}}
	if got := r.Aggregate(); got != OverallFailure {
		t.Fatalf("expected failure, got %s", got)
	}
}

func TestBatchReport_Attempts(t *testing.T) {
	r := &BatchReport{Recipients: []RecipientReport{
		{Recipient: "x", Items: []ItemResult{
			{Attempts: []DeliveryAttempt{{Recipient: "x", Attempt: 1}, {Recipient: "x", Attempt: 2}}},
			{Attempts: []DeliveryAttempt{{Recipient: "x", ItemIndex: 1, Attempt: 1}}},
		}},
		{Recipient: "y", Items: []ItemResult{{Attempts: []DeliveryAttempt{{Recipient: "y", Attempt: 1}}}}},
	}}
	if got := len(r.Attempts("x")); got != 3 {
		t.Fatalf("expected 3 attempts for x, got %d", got)
	}
	if got := len(r.Attempts("nobody")); got != 0 {
		t.Fatalf("expected no attempts, got %d", got)
	}
}

func TestErrors_Classification(t *testing.T) {
	cfgErr := fmt.Errorf("load: %w", NewConfigError("unknown message %q", "m"))
	if !IsConfigError(cfgErr) {
		t.Fatal("wrapped ConfigError not detected")
	}

	drvErr := &DriverError{Op: "attach_clipboard_image", Err: fmt.Errorf("telegram: %w", ErrUnsupported)}
	if !errors.Is(drvErr, ErrUnsupported) {
		t.Fatal("DriverError should unwrap to ErrUnsupported")
	}
	if IsConfigError(drvErr) {
		t.Fatal("DriverError misclassified as ConfigError")
	}
}
