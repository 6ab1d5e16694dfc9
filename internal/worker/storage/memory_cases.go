package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/google/uuid"
)

func caseKey(tenantID, caseNumber, courtName string) string {
	return tenantID + "|" + caseNumber + "|" + courtName
}

// AddMember seeds a tenant member for assignee lookups
func (m *MemoryStore) AddMember(tenantID, displayName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.NewString()
	m.members[tenantID+"|"+displayName] = id
	return id
}

// FindCase looks up a case by its natural key; nil when absent
func (m *MemoryStore) FindCase(_ context.Context, tenantID, caseNumber, courtName string) (*domain.CaseRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("FindCase"); err != nil {
		return nil, err
	}
	id, ok := m.caseKeys[caseKey(tenantID, caseNumber, courtName)]
	if !ok {
		return nil, nil
	}
	ref := m.cases[id].ref
	return &ref, nil
}

// FindClientByName returns a client of the tenant with that name; nil when absent
func (m *MemoryStore) FindClientByName(_ context.Context, tenantID, name string) (*domain.ClientRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("FindClientByName"); err != nil {
		return nil, err
	}
	for id, c := range m.clients {
		if c.Name == name && m.clientTenants[id] == tenantID {
			ref := c
			return &ref, nil
		}
	}
	return nil, nil
}

// CreateClient stores a client
func (m *MemoryStore) CreateClient(_ context.Context, c domain.NewClient) (*domain.ClientRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("CreateClient"); err != nil {
		return nil, err
	}
	ref := domain.ClientRef{ID: uuid.NewString(), Name: c.Name}
	m.clients[ref.ID] = ref
	m.clientTenants[ref.ID] = c.TenantID
	return &ref, nil
}

// FindMemberByName resolves a tenant member by display name; "" when absent
func (m *MemoryStore) FindMemberByName(_ context.Context, tenantID, displayName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("FindMemberByName"); err != nil {
		return "", err
	}
	return m.members[tenantID+"|"+displayName], nil
}

// InsertCase creates a case; ErrDuplicate when the natural key is taken
func (m *MemoryStore) InsertCase(_ context.Context, c domain.CaseRecord) (*domain.CaseRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("InsertCase"); err != nil {
		return nil, err
	}
	key := caseKey(c.TenantID, c.CourtCaseNumber, c.CourtName)
	if _, ok := m.caseKeys[key]; ok {
		return nil, fmt.Errorf("%w: insert case: %s", domain.ErrDuplicate, c.CourtCaseNumber)
	}
	return m.storeCase(key, c), nil
}

func (m *MemoryStore) storeCase(key string, c domain.CaseRecord) *domain.CaseRef {
	ref := domain.CaseRef{ID: uuid.NewString(), CaseName: c.CaseName}
	m.cases[ref.ID] = &memCase{record: c, ref: ref}
	m.caseKeys[key] = ref.ID
	return &ref
}

func keep(next, prev string) string {
	if next == "" {
		return prev
	}
	return next
}

// UpsertCase creates the case or updates the one with the same natural key
func (m *MemoryStore) UpsertCase(_ context.Context, c domain.CaseRecord) (*domain.CaseRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("UpsertCase"); err != nil {
		return nil, err
	}
	key := caseKey(c.TenantID, c.CourtCaseNumber, c.CourtName)
	id, ok := m.caseKeys[key]
	if !ok {
		return m.storeCase(key, c), nil
	}

	mc := m.cases[id]
	prev := mc.record
	c.PrimaryClientID = keep(c.PrimaryClientID, prev.PrimaryClientID)
	c.PrimaryClientName = keep(c.PrimaryClientName, prev.PrimaryClientName)
	c.AssignedTo = keep(c.AssignedTo, prev.AssignedTo)
	c.ContractDate = keep(c.ContractDate, prev.ContractDate)
	c.Notes = keep(c.Notes, prev.Notes)
	c.ExternalHandle = keep(c.ExternalHandle, prev.ExternalHandle)
	if c.ExternalSyncedAt == nil {
		c.ExternalSyncedAt = prev.ExternalSyncedAt
	}
	c.Status = prev.Status
	mc.record = c
	mc.ref.CaseName = c.CaseName

	ref := mc.ref
	return &ref, nil
}

func (m *MemoryStore) upsertParty(caseID, partyType, name string) domain.PartyRef {
	for _, p := range m.parties[caseID] {
		if p.Name == name && m.partyTypes[p.ID] == partyType {
			return p
		}
	}
	ref := domain.PartyRef{ID: uuid.NewString(), Name: name}
	m.parties[caseID] = append(m.parties[caseID], ref)
	m.partyTypes[ref.ID] = partyType
	return ref
}

// UpsertParties stores the seeded parties of a case
func (m *MemoryStore) UpsertParties(_ context.Context, _, caseID string, seeds []domain.PartySeed) ([]domain.PartyRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("UpsertParties"); err != nil {
		return nil, err
	}
	refs := make([]domain.PartyRef, 0, len(seeds))
	for _, seed := range seeds {
		refs = append(refs, m.upsertParty(caseID, string(seed.Type), seed.Name))
	}
	return refs, nil
}

// LinkCaseClient connects a client to a case
func (m *MemoryStore) LinkCaseClient(_ context.Context, l domain.CaseClientLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("LinkCaseClient"); err != nil {
		return err
	}
	key := l.CaseID + "|" + l.ClientID
	if prev, ok := m.caseClients[key]; ok {
		l.LinkedPartyID = keep(l.LinkedPartyID, prev.LinkedPartyID)
		if l.RetainerFee == nil {
			l.RetainerFee = prev.RetainerFee
		}
	}
	m.caseClients[key] = l
	return nil
}

// LinkAssignees assigns members to a case
func (m *MemoryStore) LinkAssignees(_ context.Context, _, caseID string, assignees []domain.Assignee) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("LinkAssignees"); err != nil {
		return err
	}
	for _, a := range assignees {
		if a.Role == "" {
			a.Role = "lawyer"
		}
		list := m.assignees[caseID]
		replaced := false
		for i := range list {
			if list[i].MemberID == a.MemberID {
				list[i] = a
				replaced = true
			}
		}
		if !replaced {
			list = append(list, a)
		}
		m.assignees[caseID] = list
	}
	return nil
}

// SaveSnapshot stores registry data and points the case at it
func (m *MemoryStore) SaveSnapshot(_ context.Context, snap domain.Snapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("SaveSnapshot"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.snapshots[id] = snap
	if mc, ok := m.cases[snap.CaseID]; ok {
		mc.snapshotID = id
	}
	return id, nil
}

// LinkRelatedCases records lower-court and related cases
func (m *MemoryStore) LinkRelatedCases(_ context.Context, _, caseID string, related []domain.LinkedCase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("LinkRelatedCases"); err != nil {
		return err
	}
	list := m.related[caseID]
	for _, rc := range related {
		replaced := false
		for i := range list {
			if list[i].CaseNumber == rc.CaseNumber {
				rc.Handle = keep(rc.Handle, list[i].Handle)
				list[i] = rc
				replaced = true
			}
		}
		if !replaced {
			list = append(list, rc)
		}
	}
	m.related[caseID] = list
	return nil
}

// SyncParties merges registry parties and representatives into the case
func (m *MemoryStore) SyncParties(_ context.Context, _, caseID string, parties []domain.RegistryParty, reps []domain.RegistryRepresentative) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("SyncParties"); err != nil {
		return err
	}
	for _, p := range parties {
		partyType := "related"
		if role, ok := domain.ParseClientRole(p.Kind); ok {
			partyType = string(role)
		}
		m.upsertParty(caseID, partyType, p.Name)
	}
	list := m.reps[caseID]
	for _, r := range reps {
		replaced := false
		for i := range list {
			if list[i].Kind == r.Kind && list[i].Name == r.Name {
				list[i] = r
				replaced = true
			}
		}
		if !replaced {
			list = append(list, r)
		}
	}
	m.reps[caseID] = list
	return nil
}

// SyncHearings upserts the hearings of a case
func (m *MemoryStore) SyncHearings(_ context.Context, caseID, _ string, hearings []domain.Hearing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failure("SyncHearings"); err != nil {
		return err
	}
	list := m.hearings[caseID]
	for _, h := range hearings {
		if h.Date == "" {
			continue
		}
		replaced := false
		for i := range list {
			if list[i].Date == h.Date && list[i].Time == h.Time && list[i].Type == h.Type {
				list[i] = h
				replaced = true
			}
		}
		if !replaced {
			list = append(list, h)
		}
	}
	m.hearings[caseID] = list
	return nil
}

// SaveSettings keeps the settings override document
func (m *MemoryStore) SaveSettings(_ context.Context, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = append(json.RawMessage(nil), raw...)
	return nil
}

// Settings returns the last saved settings override document
func (m *MemoryStore) Settings() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(json.RawMessage(nil), m.settings...)
}

// CaseView is a read-only copy of a stored case and its linked rows
type CaseView struct {
	Ref             domain.CaseRef
	Record          domain.CaseRecord
	SnapshotID      string
	Parties         []domain.PartyRef
	Clients         []domain.CaseClientLink
	Assignees       []domain.Assignee
	Representatives []domain.RegistryRepresentative
	Related         []domain.LinkedCase
	Hearings        []domain.Hearing
}

// Cases returns every stored case ordered by case number
func (m *MemoryStore) Cases() []CaseView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CaseView, 0, len(m.cases))
	for id, mc := range m.cases {
		v := CaseView{
			Ref:             mc.ref,
			Record:          mc.record,
			SnapshotID:      mc.snapshotID,
			Parties:         append([]domain.PartyRef(nil), m.parties[id]...),
			Assignees:       append([]domain.Assignee(nil), m.assignees[id]...),
			Representatives: append([]domain.RegistryRepresentative(nil), m.reps[id]...),
			Related:         append([]domain.LinkedCase(nil), m.related[id]...),
			Hearings:        append([]domain.Hearing(nil), m.hearings[id]...),
		}
		for _, l := range m.caseClients {
			if l.CaseID == id {
				v.Clients = append(v.Clients, l)
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].Record.CourtCaseNumber < out[k].Record.CourtCaseNumber
	})
	return out
}

// ClientCount returns the number of stored clients
func (m *MemoryStore) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
