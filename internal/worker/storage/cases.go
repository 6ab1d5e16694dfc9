package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FindCase looks up a case by its natural key; nil when absent
func (s *Storage) FindCase(ctx context.Context, tenantID, caseNumber, courtName string) (*domain.CaseRef, error) {
	var ref domain.CaseRef
	err := s.db.GetContext(ctx, &ref, `
		SELECT id, case_name FROM legal_cases
		WHERE tenant_id = $1 AND court_case_number = $2 AND court_name = $3
	`, tenantID, caseNumber, courtName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up case: %w", err)
	}
	return &ref, nil
}

// FindClientByName returns the oldest client of the tenant with that name; nil when absent
func (s *Storage) FindClientByName(ctx context.Context, tenantID, name string) (*domain.ClientRef, error) {
	var ref domain.ClientRef
	err := s.db.GetContext(ctx, &ref, `
		SELECT id, name FROM clients
		WHERE tenant_id = $1 AND name = $2
		ORDER BY created_at
		LIMIT 1
	`, tenantID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	return &ref, nil
}

// CreateClient inserts a client
func (s *Storage) CreateClient(ctx context.Context, c domain.NewClient) (*domain.ClientRef, error) {
	var ref domain.ClientRef
	err := s.db.GetContext(ctx, &ref, `
		INSERT INTO clients (tenant_id, name, phone, email, birth_date, address, bank_account)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, name
	`, c.TenantID, c.Name, nullString(c.Phone), nullString(c.Email), nullString(c.BirthDate),
		nullString(c.Address), nullString(c.BankAccount))
	if err != nil {
		return nil, classifyWriteError("create client", err)
	}
	return &ref, nil
}

// FindMemberByName resolves a tenant member by display name; "" when absent
func (s *Storage) FindMemberByName(ctx context.Context, tenantID, displayName string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT id FROM tenant_members
		WHERE tenant_id = $1 AND display_name = $2
		ORDER BY created_at
		LIMIT 1
	`, tenantID, displayName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up member: %w", err)
	}
	return id, nil
}

func caseArgs(c domain.CaseRecord) []any {
	var syncedAt sql.NullTime
	if c.ExternalSyncedAt != nil {
		syncedAt = sql.NullTime{Time: *c.ExternalSyncedAt, Valid: true}
	}
	return []any{
		c.TenantID, c.CaseName, c.CaseType, c.CourtCaseNumber, c.CourtName,
		nullString(c.PrimaryClientID), nullString(c.PrimaryClientName), nullString(c.AssignedTo),
		c.Status, nullString(c.ContractDate), nullString(c.Notes), nullString(c.ExternalHandle), syncedAt,
	}
}

const caseInsert = `
	INSERT INTO legal_cases (
		tenant_id, case_name, case_type, court_case_number, court_name,
		primary_client_id, primary_client_name, assigned_to,
		status, contract_date, notes, external_handle, external_synced_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::date, $11, $12, $13)
`

// InsertCase creates a case. A concurrent insert of the same case surfaces as ErrDuplicate.
func (s *Storage) InsertCase(ctx context.Context, c domain.CaseRecord) (*domain.CaseRef, error) {
	var ref domain.CaseRef
	err := s.db.GetContext(ctx, &ref, caseInsert+` RETURNING id, case_name`, caseArgs(c)...)
	if err != nil {
		return nil, classifyWriteError("insert case", err)
	}
	return &ref, nil
}

// UpsertCase creates the case or updates the existing one with the same natural key
func (s *Storage) UpsertCase(ctx context.Context, c domain.CaseRecord) (*domain.CaseRef, error) {
	var ref domain.CaseRef
	err := s.db.GetContext(ctx, &ref, caseInsert+`
		ON CONFLICT (tenant_id, court_case_number, court_name) DO UPDATE SET
			case_name = EXCLUDED.case_name,
			case_type = EXCLUDED.case_type,
			primary_client_id = COALESCE(EXCLUDED.primary_client_id, legal_cases.primary_client_id),
			primary_client_name = COALESCE(EXCLUDED.primary_client_name, legal_cases.primary_client_name),
			assigned_to = COALESCE(EXCLUDED.assigned_to, legal_cases.assigned_to),
			contract_date = COALESCE(EXCLUDED.contract_date, legal_cases.contract_date),
			notes = COALESCE(EXCLUDED.notes, legal_cases.notes),
			external_handle = COALESCE(EXCLUDED.external_handle, legal_cases.external_handle),
			external_synced_at = COALESCE(EXCLUDED.external_synced_at, legal_cases.external_synced_at),
			updated_at = NOW()
		RETURNING id, case_name
	`, caseArgs(c)...)
	if err != nil {
		return nil, classifyWriteError("upsert case", err)
	}
	return &ref, nil
}

// UpsertParties stores the seeded parties of a case
func (s *Storage) UpsertParties(ctx context.Context, tenantID, caseID string, seeds []domain.PartySeed) ([]domain.PartyRef, error) {
	refs := make([]domain.PartyRef, 0, len(seeds))
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, seed := range seeds {
			var ref domain.PartyRef
			err := tx.GetContext(ctx, &ref, `
				INSERT INTO case_parties (tenant_id, case_id, party_name, party_type, party_type_label, party_order, client_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (case_id, party_type, party_name) DO UPDATE SET
					party_type_label = EXCLUDED.party_type_label,
					party_order = EXCLUDED.party_order,
					client_id = COALESCE(EXCLUDED.client_id, case_parties.client_id)
				RETURNING id, party_name
			`, tenantID, caseID, seed.Name, seed.Type, nullString(seed.Label), seed.Order, nullString(seed.ClientID))
			if err != nil {
				return classifyWriteError("upsert party", err)
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// LinkCaseClient connects a client to a case
func (s *Storage) LinkCaseClient(ctx context.Context, l domain.CaseClientLink) error {
	var fee sql.NullInt64
	if l.RetainerFee != nil {
		fee = sql.NullInt64{Int64: *l.RetainerFee, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_clients (tenant_id, case_id, client_id, linked_party_id, is_primary_client, retainer_fee)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (case_id, client_id) DO UPDATE SET
			linked_party_id = COALESCE(EXCLUDED.linked_party_id, case_clients.linked_party_id),
			is_primary_client = EXCLUDED.is_primary_client,
			retainer_fee = COALESCE(EXCLUDED.retainer_fee, case_clients.retainer_fee)
	`, l.TenantID, l.CaseID, l.ClientID, nullString(l.LinkedPartyID), l.IsPrimary, fee)
	if err != nil {
		return classifyWriteError("link case client", err)
	}
	return nil
}

// LinkAssignees assigns members to a case
func (s *Storage) LinkAssignees(ctx context.Context, tenantID, caseID string, assignees []domain.Assignee) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, a := range assignees {
			role := a.Role
			if role == "" {
				role = "lawyer"
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO case_assignees (tenant_id, case_id, member_id, assignee_role, is_primary)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (case_id, member_id) DO UPDATE SET
					assignee_role = EXCLUDED.assignee_role,
					is_primary = EXCLUDED.is_primary
			`, tenantID, caseID, a.MemberID, role, a.IsPrimary)
			if err != nil {
				return classifyWriteError("link assignee", err)
			}
		}
		return nil
	})
}

func jsonb(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// SaveSnapshot stores registry data for a case and points the case at it
func (s *Storage) SaveSnapshot(ctx context.Context, snap domain.Snapshot) (string, error) {
	info := snap.Info
	if info == nil {
		info = &domain.CaseInfo{}
	}

	cols := []any{info.BasicInfo, info.Hearings, info.Progress, info.Documents, info.LowerCourt, info.RelatedCases}
	args := []any{snap.TenantID, snap.CaseID, snap.CaseNumber, snap.CourtName}
	for _, c := range cols {
		v, err := jsonb(c)
		if err != nil {
			return "", fmt.Errorf("failed to encode snapshot: %w", err)
		}
		args = append(args, v)
	}

	var id string
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &id, `
			INSERT INTO case_snapshots (tenant_id, case_id, case_number, court_name,
				basic_info, hearings, progress, documents, lower_court, related_cases)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, args...)
		if err != nil {
			return classifyWriteError("save snapshot", err)
		}

		_, err = tx.ExecContext(ctx, `UPDATE legal_cases SET last_snapshot_id = $1, updated_at = NOW() WHERE id = $2`, id, snap.CaseID)
		if err != nil {
			return classifyWriteError("set last snapshot", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// LinkRelatedCases records lower-court and related cases, linking ones the tenant already has
func (s *Storage) LinkRelatedCases(ctx context.Context, tenantID, caseID string, related []domain.LinkedCase) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, rc := range related {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO case_relations (tenant_id, case_id, related_case_number, related_case_id,
					court_name, relation, result, result_date, handle, is_lower_court)
				VALUES ($1, $2, $3,
					(SELECT id FROM legal_cases WHERE tenant_id = $1 AND court_case_number = $3 AND id <> $2 LIMIT 1),
					$4, $5, $6, $7, $8, $9)
				ON CONFLICT (case_id, related_case_number) DO UPDATE SET
					related_case_id = COALESCE(EXCLUDED.related_case_id, case_relations.related_case_id),
					court_name = EXCLUDED.court_name,
					relation = EXCLUDED.relation,
					result = EXCLUDED.result,
					result_date = EXCLUDED.result_date,
					handle = COALESCE(EXCLUDED.handle, case_relations.handle)
			`, tenantID, caseID, rc.CaseNumber, nullString(rc.CourtName), nullString(rc.Relation),
				nullString(rc.Result), nullString(rc.ResultDate), nullString(rc.Handle), rc.LowerCourt)
			if err != nil {
				return classifyWriteError("link related case", err)
			}
		}
		return nil
	})
}

// SyncParties merges registry parties and representatives into the case
func (s *Storage) SyncParties(ctx context.Context, tenantID, caseID string, parties []domain.RegistryParty, reps []domain.RegistryRepresentative) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i, p := range parties {
			partyType := "related"
			if role, ok := domain.ParseClientRole(p.Kind); ok {
				partyType = string(role)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO case_parties (tenant_id, case_id, party_name, party_type, party_type_label, party_order, registry_synced)
				VALUES ($1, $2, $3, $4, $5, $6, TRUE)
				ON CONFLICT (case_id, party_type, party_name) DO UPDATE SET
					party_type_label = EXCLUDED.party_type_label,
					registry_synced = TRUE
			`, tenantID, caseID, p.Name, partyType, nullString(p.Kind), i+1)
			if err != nil {
				return classifyWriteError("sync party", err)
			}
		}

		for _, r := range reps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO case_representatives (tenant_id, case_id, kind, name, firm)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (case_id, kind, name) DO UPDATE SET firm = EXCLUDED.firm
			`, tenantID, caseID, r.Kind, r.Name, nullString(r.Firm))
			if err != nil {
				return classifyWriteError("sync representative", err)
			}
		}
		return nil
	})
}

// SyncHearings upserts the hearings of a case
func (s *Storage) SyncHearings(ctx context.Context, caseID, caseNumber string, hearings []domain.Hearing) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, h := range hearings {
			if h.Date == "" {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO court_hearings (case_id, case_number, hearing_date, hearing_time, hearing_type, location, result)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (case_id, hearing_date, hearing_time, hearing_type) DO UPDATE SET
					location = EXCLUDED.location,
					result = EXCLUDED.result
			`, caseID, caseNumber, h.Date, h.Time, h.Type, nullString(h.Location), nullString(h.Result))
			if err != nil {
				return classifyWriteError("sync hearing", err)
			}
		}
		return nil
	})
}

// SaveSettings replaces the settings override row
func (s *Storage) SaveSettings(ctx context.Context, raw json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_import_settings (id, value, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
