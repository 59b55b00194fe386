package contract

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/storage"
)

func testSchema() domain.LockedSchema {
	return domain.LockedSchema{
		Name: "trades",
		Columns: []domain.LockedColumn{
			{Name: "symbol", DataType: domain.DataTypeString, Nullable: false},
			{Name: "qty", DataType: domain.DataTypeInt64, Nullable: false},
			{Name: "price", DataType: domain.DataTypeFloat64, Nullable: true},
		},
	}
}

func TestValidateRowColumnCountMismatch(t *testing.T) {
	violations := ValidateRow(testSchema(), []string{"symbol", "qty"}, map[string]any{"symbol": "AAPL", "qty": int64(1)}, 0, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationColumnCountMismatch {
		t.Fatalf("expected single ColumnCountMismatch, got %+v", violations)
	}
	if !violations[0].Kind.Structural() {
		t.Fatalf("ColumnCountMismatch must be structural")
	}
}

func TestValidateRowColumnNameMismatch(t *testing.T) {
	violations := ValidateRow(testSchema(), []string{"symbol", "quantity", "price"},
		map[string]any{"symbol": "AAPL", "quantity": int64(1), "price": 1.0}, 0, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationColumnNameMismatch {
		t.Fatalf("expected single ColumnNameMismatch, got %+v", violations)
	}
}

func TestValidateRowNullNotAllowed(t *testing.T) {
	violations := ValidateRow(testSchema(), []string{"symbol", "qty", "price"},
		map[string]any{"symbol": nil, "qty": int64(1), "price": 1.0}, 5, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationNullNotAllowed {
		t.Fatalf("expected NullNotAllowed, got %+v", violations)
	}
	if violations[0].Row == nil || *violations[0].Row != 5 {
		t.Fatalf("expected row index 5 recorded")
	}
	if violations[0].Kind.Structural() {
		t.Fatalf("NullNotAllowed must not be structural")
	}
}

func TestValidateRowNullableColumnAllowsMissingValue(t *testing.T) {
	violations := ValidateRow(testSchema(), []string{"symbol", "qty", "price"},
		map[string]any{"symbol": "AAPL", "qty": int64(1)}, 0, DefaultPolicies())
	if len(violations) != 0 {
		t.Fatalf("expected no violations for nullable column, got %+v", violations)
	}
}

func TestValidateRowTypeMismatch(t *testing.T) {
	violations := ValidateRow(testSchema(), []string{"symbol", "qty", "price"},
		map[string]any{"symbol": "AAPL", "qty": "not-an-int", "price": 1.0}, 0, DefaultPolicies())
	if len(violations) != 1 || violations[0].Kind != ViolationTypeMismatch {
		t.Fatalf("expected TypeMismatch, got %+v", violations)
	}
}

func TestValidateRowAcceptsValidRow(t *testing.T) {
	violations := ValidateRow(testSchema(), []string{"symbol", "qty", "price"},
		map[string]any{"symbol": "AAPL", "qty": int64(10), "price": 142.5}, 0, DefaultPolicies())
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := storage.Open(context.Background(), path, 5000)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateRejectsSecondLatestForSameScope(t *testing.T) {
	ctx := context.Background()
	store := New(newTestStore(t), 5*time.Second)

	if _, err := store.Create(ctx, "scope-a", []domain.LockedSchema{testSchema()}, "reviewer",
		OverflowReject, TruncateReject, TimestampRequireUTC); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err := store.Create(ctx, "scope-a", []domain.LockedSchema{testSchema()}, "reviewer",
		OverflowReject, TruncateReject, TimestampRequireUTC)
	if err == nil {
		t.Fatalf("expected ErrAlreadyExists on second create for same scope")
	}
}

func TestAmendmentWorkflowBumpsVersionAndDemotesPredecessor(t *testing.T) {
	ctx := context.Background()
	store := New(newTestStore(t), 5*time.Second)

	c1, err := store.Create(ctx, "scope-b", []domain.LockedSchema{testSchema()}, "reviewer",
		OverflowReject, TruncateReject, TimestampRequireUTC)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	amended := testSchema()
	amended.Columns = append(amended.Columns, domain.LockedColumn{Name: "venue", DataType: domain.DataTypeString, Nullable: true})

	proposal, err := store.ProposeAmendment(ctx, c1.ContractID, "add venue column", "alice", []domain.LockedSchema{amended})
	if err != nil {
		t.Fatalf("propose amendment: %v", err)
	}

	c2, err := store.DecideAmendment(ctx, proposal.ProposalID, ActionApproveAsProposed, nil, "reviewer", "", "")
	if err != nil {
		t.Fatalf("decide amendment: %v", err)
	}
	if c2.Version != 2 {
		t.Fatalf("expected version 2, got %d", c2.Version)
	}
	if c2.PredecessorContractID != c1.ContractID {
		t.Fatalf("expected predecessor %s, got %s", c1.ContractID, c2.PredecessorContractID)
	}

	latest, err := store.GetLatest(ctx, "scope-b")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.ContractID != c2.ContractID {
		t.Fatalf("expected latest to be the amended contract")
	}

	predecessor, err := store.GetByID(ctx, c1.ContractID)
	if err != nil {
		t.Fatalf("get predecessor: %v", err)
	}
	if predecessor.ContractID == latest.ContractID {
		t.Fatalf("predecessor must remain retrievable but no longer latest")
	}
}

func TestDecideAmendmentRejectLeavesContractUnchanged(t *testing.T) {
	ctx := context.Background()
	store := New(newTestStore(t), 5*time.Second)

	c1, err := store.Create(ctx, "scope-c", []domain.LockedSchema{testSchema()}, "reviewer",
		OverflowReject, TruncateReject, TimestampRequireUTC)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	proposal, err := store.ProposeAmendment(ctx, c1.ContractID, "drop price column", "bob", nil)
	if err != nil {
		t.Fatalf("propose amendment: %v", err)
	}

	result, err := store.DecideAmendment(ctx, proposal.ProposalID, ActionReject, nil, "", "not justified", "")
	if err != nil {
		t.Fatalf("decide amendment: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result on reject, got %+v", result)
	}

	latest, err := store.GetLatest(ctx, "scope-c")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.Version != 1 {
		t.Fatalf("expected version to remain 1 after reject, got %d", latest.Version)
	}
}
