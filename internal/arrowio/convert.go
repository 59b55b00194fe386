package arrowio

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"github.com/sl224/casparianflow/internal/contract"
	"github.com/sl224/casparianflow/internal/domain"
)

// ColumnNames returns schema's field names in declared order.
func ColumnNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		names[i] = f.Name
	}
	return names
}

// CheckSchemaFrame compares an incoming Arrow schema against a locked
// schema's column name/order, returning a structural Violation if they
// disagree. Type-level checks happen per value in RowValues + ValidateRow
// since Arrow and the locked schema don't always share a type system
// (e.g. Arrow's Date32 vs. the locked Date type); this only enforces the
// single check that would otherwise invalidate every row in the batch.
func CheckSchemaFrame(schema *arrow.Schema, locked domain.LockedSchema) *contract.Violation {
	names := ColumnNames(schema)
	if len(names) != len(locked.Columns) {
		return &contract.Violation{
			Kind:     contract.ViolationColumnCountMismatch,
			File:     locked.Name,
			Expected: fmt.Sprintf("%d", len(locked.Columns)),
			Got:      fmt.Sprintf("%d", len(names)),
		}
	}
	for i, col := range locked.Columns {
		if names[i] != col.Name {
			return &contract.Violation{
				Kind:     contract.ViolationColumnNameMismatch,
				File:     locked.Name,
				Column:   names[i],
				Expected: col.Name,
				Got:      names[i],
			}
		}
	}
	return nil
}

// RowValues decodes row index i of rec into a column-name -> Go-native
// value map plus the column order observed, ready for
// contract.ValidateRow.
func RowValues(rec arrow.Record, i int) (map[string]any, []string) {
	schema := rec.Schema()
	columnOrder := ColumnNames(schema)
	values := make(map[string]any, len(columnOrder))

	for colIdx, name := range columnOrder {
		col := rec.Column(colIdx)
		if col.IsNull(i) {
			values[name] = nil
			continue
		}
		values[name] = extractValue(col, i)
	}
	return values, columnOrder
}

func extractValue(col arrow.Array, i int) any {
	switch a := col.(type) {
	case *array.String:
		return a.Value(i)
	case *array.Int64:
		return a.Value(i)
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Float64:
		return a.Value(i)
	case *array.Float32:
		return float64(a.Value(i))
	case *array.Boolean:
		return a.Value(i)
	case *array.Binary:
		return a.Value(i)
	case *array.Date32:
		return a.Value(i).ToTime()
	case *array.Timestamp:
		dt := a.DataType().(*arrow.TimestampType)
		t, _ := a.Value(i).ToTime(dt.Unit)
		if dt.TimeZone == "" || dt.TimeZone == "UTC" {
			return t.UTC()
		}
		return t
	default:
		return fmt.Sprintf("%v", col)
	}
}
