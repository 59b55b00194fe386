package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sl224/casparianflow/internal/db"
	"github.com/sl224/casparianflow/internal/domain"
	"github.com/sl224/casparianflow/internal/identity"
	"github.com/sl224/casparianflow/internal/storage"
)

// Store persists SchemaContract rows and drives the amendment workflow
// on top of the embedded storage layer.
type Store struct {
	db       *storage.Store
	retryCap time.Duration
}

func New(s *storage.Store, retryCap time.Duration) *Store {
	return &Store{db: s, retryCap: retryCap}
}

// Create publishes version 1 of a scope's contract. A scope that already
// has a latest contract must go through ProposeAmendment/DecideAmendment
// instead.
func (s *Store) Create(ctx context.Context, scopeID string, schemas []domain.LockedSchema, approvedBy string,
	numericOverflow NumericOverflowPolicy, stringTruncation StringTruncationPolicy, timestampPolicy TimestampPolicy) (*domain.SchemaContract, error) {

	var out *domain.SchemaContract
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		var exists int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM schema_contracts WHERE scope_id = ? AND is_latest = 1", scopeID).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return ErrAlreadyExists
		}

		contentHash, err := identity.ContentHash(schemas)
		if err != nil {
			return err
		}
		schemasJSON, err := json.Marshal(schemas)
		if err != nil {
			return err
		}

		c := &domain.SchemaContract{
			ContractID:             uuid.NewString(),
			ScopeID:                scopeID,
			Version:                1,
			ApprovedAt:             time.Now(),
			ApprovedBy:             approvedBy,
			Schemas:                schemas,
			ContentHash:            contentHash,
			NumericOverflowPolicy:  string(numericOverflow),
			StringTruncationPolicy: string(stringTruncation),
			TimestampPolicy:        string(timestampPolicy),
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO schema_contracts (contract_id, scope_id, version, approved_at, approved_by,
				schemas_json, content_hash, numeric_overflow_policy, string_truncation_policy,
				timestamp_policy, predecessor_contract_id, is_latest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 1)`,
			c.ContractID, c.ScopeID, c.Version, timeToStr(c.ApprovedAt), c.ApprovedBy,
			string(schemasJSON), c.ContentHash, c.NumericOverflowPolicy, c.StringTruncationPolicy, c.TimestampPolicy)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// GetLatest returns the current latest contract for scopeID.
func (s *Store) GetLatest(ctx context.Context, scopeID string) (*domain.SchemaContract, error) {
	row := s.db.QueryRow(ctx, `
		SELECT contract_id, scope_id, version, approved_at, approved_by, schemas_json, content_hash,
		       numeric_overflow_policy, string_truncation_policy, timestamp_policy, predecessor_contract_id
		FROM schema_contracts WHERE scope_id = ? AND is_latest = 1`, scopeID)
	return scanContract(row)
}

// GetByID returns a specific contract by id, latest or historical.
func (s *Store) GetByID(ctx context.Context, contractID string) (*domain.SchemaContract, error) {
	row := s.db.QueryRow(ctx, `
		SELECT contract_id, scope_id, version, approved_at, approved_by, schemas_json, content_hash,
		       numeric_overflow_policy, string_truncation_policy, timestamp_policy, predecessor_contract_id
		FROM schema_contracts WHERE contract_id = ?`, contractID)
	return scanContract(row)
}

func scanContract(row db.Row) (*domain.SchemaContract, error) {
	var c domain.SchemaContract
	var approvedAt, schemasJSON string
	var predecessor *string
	if err := row.Scan(&c.ContractID, &c.ScopeID, &c.Version, &approvedAt, &c.ApprovedBy, &schemasJSON,
		&c.ContentHash, &c.NumericOverflowPolicy, &c.StringTruncationPolicy, &c.TimestampPolicy, &predecessor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	c.ApprovedAt = strToTime(approvedAt)
	if predecessor != nil {
		c.PredecessorContractID = *predecessor
	}
	if err := json.Unmarshal([]byte(schemasJSON), &c.Schemas); err != nil {
		return nil, err
	}
	return &c, nil
}

// ProposeAmendment records a pending change set against contractID for
// later review; it does not itself mutate any contract.
func (s *Store) ProposeAmendment(ctx context.Context, contractID, reason, proposer string, changes []domain.LockedSchema) (*AmendmentProposal, error) {
	current, err := s.GetByID(ctx, contractID)
	if err != nil {
		return nil, err
	}

	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}
	p := &AmendmentProposal{
		ProposalID: uuid.NewString(),
		ContractID: contractID,
		ScopeID:    current.ScopeID,
		Changes:    changes,
		Reason:     reason,
		Proposer:   proposer,
		CreatedAt:  time.Now(),
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO amendment_proposals (proposal_id, contract_id, scope_id, changes_json, reason, proposer, created_at, decided)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		p.ProposalID, p.ContractID, p.ScopeID, string(changesJSON), p.Reason, p.Proposer, timeToStr(p.CreatedAt))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DecideAmendment resolves a pending proposal. On approval (as proposed or
// with modifications), it demotes the predecessor, stamps version+1, and
// publishes the new contract atomically with marking the proposal decided.
// Reject leaves the prior contract untouched. CreateSeparateSchema treats
// the change set as a brand-new scope rather than a version bump.
func (s *Store) DecideAmendment(ctx context.Context, proposalID string, action AmendmentAction, modifications []domain.LockedSchema,
	approvedBy, rejectReason, newScopeID string) (*domain.SchemaContract, error) {

	var result *domain.SchemaContract
	err := s.db.WithImmediate(ctx, s.retryCap, func(ctx context.Context, tx db.Tx) error {
		var contractID, scopeID, changesJSON string
		var decided int
		if err := tx.QueryRow(ctx, "SELECT contract_id, scope_id, changes_json, decided FROM amendment_proposals WHERE proposal_id = ?", proposalID).
			Scan(&contractID, &scopeID, &changesJSON, &decided); err != nil {
			return fmt.Errorf("%w: proposal %s", ErrNotFound, proposalID)
		}
		if decided != 0 {
			return fmt.Errorf("contract: proposal %s already decided", proposalID)
		}

		if _, err := tx.Exec(ctx, "UPDATE amendment_proposals SET decided = 1 WHERE proposal_id = ?", proposalID); err != nil {
			return err
		}

		if action == ActionReject {
			return nil
		}

		var schemas []domain.LockedSchema
		switch action {
		case ActionApproveAsProposed:
			if err := json.Unmarshal([]byte(changesJSON), &schemas); err != nil {
				return err
			}
		case ActionApproveWithModifications:
			schemas = modifications
		case ActionCreateSeparateSchema:
			if err := json.Unmarshal([]byte(changesJSON), &schemas); err != nil {
				return err
			}
			scopeID = newScopeID
		default:
			return fmt.Errorf("contract: unknown amendment action %q", action)
		}

		var predecessorContract string
		var nextVersion int
		var numericOverflow, stringTruncation, timestampPolicy string

		row := tx.QueryRow(ctx, `
			SELECT contract_id, version, numeric_overflow_policy, string_truncation_policy, timestamp_policy
			FROM schema_contracts WHERE scope_id = ? AND is_latest = 1`, scopeID)
		if err := row.Scan(&predecessorContract, &nextVersion, &numericOverflow, &stringTruncation, &timestampPolicy); err != nil {
			nextVersion = 0
			predecessorContract = ""
			numericOverflow, stringTruncation, timestampPolicy = string(OverflowReject), string(TruncateReject), string(TimestampRequireUTC)
		} else {
			if _, err := tx.Exec(ctx, "UPDATE schema_contracts SET is_latest = 0 WHERE scope_id = ? AND is_latest = 1", scopeID); err != nil {
				return err
			}
		}
		nextVersion++

		contentHash, err := identity.ContentHash(schemas)
		if err != nil {
			return err
		}
		schemasOut, err := json.Marshal(schemas)
		if err != nil {
			return err
		}

		c := &domain.SchemaContract{
			ContractID:             uuid.NewString(),
			ScopeID:                scopeID,
			Version:                nextVersion,
			ApprovedAt:             time.Now(),
			ApprovedBy:             approvedBy,
			Schemas:                schemas,
			ContentHash:            contentHash,
			NumericOverflowPolicy:  numericOverflow,
			StringTruncationPolicy: stringTruncation,
			TimestampPolicy:        timestampPolicy,
			PredecessorContractID:  predecessorContract,
		}

		var predecessor any
		if c.PredecessorContractID != "" {
			predecessor = c.PredecessorContractID
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO schema_contracts (contract_id, scope_id, version, approved_at, approved_by,
				schemas_json, content_hash, numeric_overflow_policy, string_truncation_policy,
				timestamp_policy, predecessor_contract_id, is_latest)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			c.ContractID, c.ScopeID, c.Version, timeToStr(c.ApprovedAt), c.ApprovedBy,
			string(schemasOut), c.ContentHash, c.NumericOverflowPolicy, c.StringTruncationPolicy, c.TimestampPolicy, predecessor)
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	return result, err
}

func timeToStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func strToTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
