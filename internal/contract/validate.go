package contract

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sl224/casparianflow/internal/domain"
)

// ValidateRow checks one row of column->value pairs against schema's
// locked columns, in declared order, under the contract's frozen
// policies. A structural violation (column count/name mismatch) is
// returned as the first and only element, since it invalidates the whole
// batch rather than just one row. Non-structural violations (type, null,
// format) are returned alongside the other findings for that row —
// callers quarantine the row and keep going, except findings marked Warn,
// which leave the row accepted.
//
// values must already carry one entry per column as decoded from the
// guest's Arrow batch (Go native types: string, int64, float64, bool,
// time.Time, []byte). Policy handling may normalize values in place:
// clamp rewrites an overflowing numeric, null blanks it, truncate and
// warn+truncate shorten an over-long string, assume_utc reinterprets a
// zoned timestamp as UTC.
func ValidateRow(schema domain.LockedSchema, columnOrder []string, values map[string]any, rowIndex int64, pol Policies) []*Violation {
	if len(columnOrder) != len(schema.Columns) {
		return []*Violation{{
			Kind:     ViolationColumnCountMismatch,
			File:     schema.Name,
			Expected: strconv.Itoa(len(schema.Columns)),
			Got:      strconv.Itoa(len(columnOrder)),
		}}
	}
	for i, col := range schema.Columns {
		if columnOrder[i] != col.Name {
			return []*Violation{{
				Kind:     ViolationColumnNameMismatch,
				File:     schema.Name,
				Column:   columnOrder[i],
				Expected: col.Name,
				Got:      columnOrder[i],
			}}
		}
	}

	var violations []*Violation
	for _, col := range schema.Columns {
		v, ok := values[col.Name]
		if !ok || v == nil {
			if !col.Nullable {
				violations = append(violations, &Violation{
					Kind: ViolationNullNotAllowed, File: schema.Name, Row: &rowIndex, Column: col.Name,
					Expected: "non-null", Got: "null",
				})
			}
			continue
		}
		violations = append(violations, validateValue(schema.Name, rowIndex, col, v, pol, values)...)
	}
	return violations
}

func validateValue(file string, row int64, col domain.LockedColumn, v any, pol Policies, values map[string]any) []*Violation {
	mismatch := func(expected string) []*Violation {
		return []*Violation{{
			Kind: ViolationTypeMismatch, File: file, Row: &row, Column: col.Name,
			Expected: expected, Got: fmt.Sprintf("%T", v),
		}}
	}

	switch col.DataType {
	case domain.DataTypeString:
		s, ok := v.(string)
		if !ok {
			return mismatch("String")
		}
		return checkStringLength(file, row, col, s, pol, values)

	case domain.DataTypeInt64:
		switch n := v.(type) {
		case int64:
			return nil
		case float64:
			// Parsers frequently hand integral values over as floats;
			// an integral float narrows under the overflow policy, a
			// fractional one is a plain type mismatch.
			if n != math.Trunc(n) {
				return mismatch("Int64")
			}
			return narrowToInt64(file, row, col, n, pol, values)
		default:
			return mismatch("Int64")
		}

	case domain.DataTypeFloat64:
		if _, ok := v.(float64); !ok {
			return mismatch("Float64")
		}
	case domain.DataTypeBoolean:
		if _, ok := v.(bool); !ok {
			return mismatch("Boolean")
		}
	case domain.DataTypeBinary:
		if _, ok := v.([]byte); !ok {
			return mismatch("Binary")
		}
	case domain.DataTypeDecimal:
		switch v.(type) {
		case float64, string:
		default:
			return mismatch("Decimal")
		}
	case domain.DataTypeDate:
		t, ok := v.(time.Time)
		if !ok {
			return mismatch("Date")
		}
		if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
			return []*Violation{{
				Kind: ViolationFormatMismatch, File: file, Row: &row, Column: col.Name,
				Expected: "calendar date (00:00:00)", Got: t.Format(time.RFC3339Nano),
			}}
		}
	case domain.DataTypeTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return mismatch("Timestamp")
		}
		return checkTimestamp(file, row, col, t, pol, values)
	default:
		return mismatch(string(col.DataType))
	}
	return nil
}

// narrowToInt64 applies the contract's numeric overflow policy to an
// integral float bound for an Int64 column. In-range values narrow
// silently; out-of-range values reject, clamp to the int64 extreme, or
// null out per policy.
func narrowToInt64(file string, row int64, col domain.LockedColumn, n float64, pol Policies, values map[string]any) []*Violation {
	if n >= math.MinInt64 && n < math.MaxInt64 {
		values[col.Name] = int64(n)
		return nil
	}

	switch pol.NumericOverflow {
	case OverflowClamp:
		if n > 0 {
			values[col.Name] = int64(math.MaxInt64)
		} else {
			values[col.Name] = int64(math.MinInt64)
		}
		return nil
	case OverflowNull:
		values[col.Name] = nil
		if !col.Nullable {
			return []*Violation{{
				Kind: ViolationNullNotAllowed, File: file, Row: &row, Column: col.Name,
				Expected: "non-null", Got: "null (overflow)",
			}}
		}
		return nil
	default: // OverflowReject
		return []*Violation{{
			Kind: ViolationTypeMismatch, File: file, Row: &row, Column: col.Name,
			Expected: "Int64", Got: fmt.Sprintf("overflow (%g)", n),
		}}
	}
}

// checkStringLength enforces a String column's declared length bound
// (format "max_length=N") under the contract's truncation policy.
func checkStringLength(file string, row int64, col domain.LockedColumn, s string, pol Policies, values map[string]any) []*Violation {
	maxLen := maxLengthOf(col.Format)
	if maxLen <= 0 || len(s) <= maxLen {
		return nil
	}

	switch pol.StringTruncation {
	case TruncateTruncate:
		values[col.Name] = s[:maxLen]
		return nil
	case TruncateWarnTruncate:
		values[col.Name] = s[:maxLen]
		return []*Violation{{
			Kind: ViolationFormatMismatch, File: file, Row: &row, Column: col.Name,
			Expected: fmt.Sprintf("max_length=%d", maxLen), Got: fmt.Sprintf("%d chars (truncated)", len(s)),
			Warn: true,
		}}
	default: // TruncateReject
		return []*Violation{{
			Kind: ViolationFormatMismatch, File: file, Row: &row, Column: col.Name,
			Expected: fmt.Sprintf("max_length=%d", maxLen), Got: fmt.Sprintf("%d chars", len(s)),
		}}
	}
}

// checkTimestamp applies the contract's timestamp policy. require_utc
// rejects any non-UTC offset; assume_utc reinterprets the instant in UTC
// in place; local accepts the zone as given.
func checkTimestamp(file string, row int64, col domain.LockedColumn, t time.Time, pol Policies, values map[string]any) []*Violation {
	switch pol.Timestamp {
	case TimestampLocal:
		return nil
	case TimestampAssumeUTC:
		if t.Location() != time.UTC {
			values[col.Name] = t.UTC()
		}
		return nil
	default: // TimestampRequireUTC
		if t.Location() == time.UTC || t.Location().String() == "" {
			return nil
		}
		if _, offset := t.Zone(); offset != 0 {
			return []*Violation{{
				Kind: ViolationFormatMismatch, File: file, Row: &row, Column: col.Name,
				Expected: "RFC3339 UTC", Got: t.Format(time.RFC3339Nano),
			}}
		}
		return nil
	}
}

// maxLengthOf parses a column format of the form "max_length=N". Other
// formats carry no length bound.
func maxLengthOf(format string) int {
	const prefix = "max_length="
	if !strings.HasPrefix(format, prefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(format, prefix))
	if err != nil {
		return 0
	}
	return n
}
