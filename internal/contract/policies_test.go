package contract

import (
	"math"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/domain"
)

func boundedSchema() domain.LockedSchema {
	return domain.LockedSchema{
		Name: "events",
		Columns: []domain.LockedColumn{
			{Name: "code", DataType: domain.DataTypeString, Nullable: false, Format: "max_length=4"},
			{Name: "count", DataType: domain.DataTypeInt64, Nullable: true},
			{Name: "ts", DataType: domain.DataTypeTimestamp, Nullable: true},
		},
	}
}

func boundedOrder() []string { return []string{"code", "count", "ts"} }

func TestOverflowRejectFlagsOutOfRangeInt(t *testing.T) {
	values := map[string]any{"code": "ok", "count": 1e19, "ts": nil}
	violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationTypeMismatch || violations[0].Column != "count" {
		t.Fatalf("expected overflow rejection on count, got %+v", violations)
	}
}

func TestOverflowClampNormalizesInPlace(t *testing.T) {
	pol := DefaultPolicies()
	pol.NumericOverflow = OverflowClamp

	values := map[string]any{"code": "ok", "count": 1e19, "ts": nil}
	if violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol); len(violations) != 0 {
		t.Fatalf("clamp must not produce violations, got %+v", violations)
	}
	if got := values["count"]; got != int64(math.MaxInt64) {
		t.Fatalf("expected clamp to MaxInt64, got %v", got)
	}

	values = map[string]any{"code": "ok", "count": -1e19, "ts": nil}
	ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol)
	if got := values["count"]; got != int64(math.MinInt64) {
		t.Fatalf("expected clamp to MinInt64, got %v", got)
	}
}

func TestOverflowNullBlanksNullableColumn(t *testing.T) {
	pol := DefaultPolicies()
	pol.NumericOverflow = OverflowNull

	values := map[string]any{"code": "ok", "count": 1e19, "ts": nil}
	if violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol); len(violations) != 0 {
		t.Fatalf("null policy on a nullable column must not violate, got %+v", violations)
	}
	if values["count"] != nil {
		t.Fatalf("expected count nulled, got %v", values["count"])
	}
}

func TestIntegralFloatNarrowsToInt64(t *testing.T) {
	values := map[string]any{"code": "ok", "count": float64(42), "ts": nil}
	if violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, DefaultPolicies()); len(violations) != 0 {
		t.Fatalf("integral float must narrow cleanly, got %+v", violations)
	}
	if got := values["count"]; got != int64(42) {
		t.Fatalf("expected normalized int64(42), got %v (%T)", got, got)
	}
}

func TestTruncateRejectFlagsOverlongString(t *testing.T) {
	values := map[string]any{"code": "TOOLONG", "count": int64(1), "ts": nil}
	violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationFormatMismatch || violations[0].Warn {
		t.Fatalf("expected hard FormatMismatch on code, got %+v", violations)
	}
}

func TestTruncatePolicyShortensInPlace(t *testing.T) {
	pol := DefaultPolicies()
	pol.StringTruncation = TruncateTruncate

	values := map[string]any{"code": "TOOLONG", "count": int64(1), "ts": nil}
	if violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol); len(violations) != 0 {
		t.Fatalf("truncate must be silent, got %+v", violations)
	}
	if values["code"] != "TOOL" {
		t.Fatalf("expected code truncated to 4 chars, got %q", values["code"])
	}
}

func TestWarnTruncateShortensAndWarns(t *testing.T) {
	pol := DefaultPolicies()
	pol.StringTruncation = TruncateWarnTruncate

	values := map[string]any{"code": "TOOLONG", "count": int64(1), "ts": nil}
	violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol)
	if len(violations) != 1 || !violations[0].Warn {
		t.Fatalf("expected a single Warn finding, got %+v", violations)
	}
	if values["code"] != "TOOL" {
		t.Fatalf("expected code truncated alongside the warning, got %q", values["code"])
	}
}

func TestTimestampRequireUTCRejectsOffset(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*3600)
	values := map[string]any{"code": "ok", "count": int64(1), "ts": time.Date(2026, 3, 1, 12, 0, 0, 0, zone)}
	violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationFormatMismatch || violations[0].Column != "ts" {
		t.Fatalf("expected UTC requirement violation, got %+v", violations)
	}
}

func TestTimestampAssumeUTCNormalizes(t *testing.T) {
	pol := DefaultPolicies()
	pol.Timestamp = TimestampAssumeUTC

	zone := time.FixedZone("UTC+2", 2*3600)
	values := map[string]any{"code": "ok", "count": int64(1), "ts": time.Date(2026, 3, 1, 12, 0, 0, 0, zone)}
	if violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol); len(violations) != 0 {
		t.Fatalf("assume_utc must not violate, got %+v", violations)
	}
	ts := values["ts"].(time.Time)
	if ts.Location() != time.UTC {
		t.Fatalf("expected normalized UTC location, got %v", ts.Location())
	}
}

func TestTimestampLocalAcceptsAnyZone(t *testing.T) {
	pol := DefaultPolicies()
	pol.Timestamp = TimestampLocal

	zone := time.FixedZone("UTC-5", -5*3600)
	values := map[string]any{"code": "ok", "count": int64(1), "ts": time.Date(2026, 3, 1, 12, 0, 0, 0, zone)}
	if violations := ValidateRow(boundedSchema(), boundedOrder(), values, 0, pol); len(violations) != 0 {
		t.Fatalf("local policy must accept any zone, got %+v", violations)
	}
}

func TestPoliciesOfFallsBackToDefaults(t *testing.T) {
	got := PoliciesOf(nil)
	if got != DefaultPolicies() {
		t.Fatalf("nil contract must yield defaults, got %+v", got)
	}

	c := &domain.SchemaContract{
		NumericOverflowPolicy: string(OverflowClamp),
		TimestampPolicy:       string(TimestampLocal),
	}
	got = PoliciesOf(c)
	if got.NumericOverflow != OverflowClamp || got.Timestamp != TimestampLocal || got.StringTruncation != TruncateReject {
		t.Fatalf("unexpected policies: %+v", got)
	}
}
