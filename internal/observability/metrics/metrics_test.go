package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("device_id", "stb-001"),
		attribute.String("subscriber_code", "SUB-42"),
		attribute.String("outcome", "paired"),
	)
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Key != "outcome" {
		t.Fatalf("expected outcome to be retained, got %s", attrs[0].Key)
	}
}
