package domain

import (
	"encoding/json"
	"time"
)

// CaseRef identifies a stored case
type CaseRef struct {
	ID       string `db:"id"`
	CaseName string `db:"case_name"`
}

// ClientRef identifies a stored client
type ClientRef struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// NewClient is the input for creating a client from an import row
type NewClient struct {
	TenantID    string
	Name        string
	Phone       string
	Email       string
	Address     string
	BankAccount string
	BirthDate   string
}

// CaseRecord is the case row written by the persist step
type CaseRecord struct {
	TenantID          string
	CaseName          string
	CaseType          string
	CourtCaseNumber   string
	CourtName         string
	PrimaryClientID   string
	PrimaryClientName string
	AssignedTo        string
	Status            string
	ContractDate      string
	Notes             string
	ExternalHandle    string
	ExternalSyncedAt  *time.Time
}

// PartySeed is a party derived from the import row before registry data arrives
type PartySeed struct {
	Name     string
	Type     ClientRole
	Label    string
	Order    int
	ClientID string
}

// PartyRef identifies a stored party
type PartyRef struct {
	ID   string `db:"id"`
	Name string `db:"party_name"`
}

// CaseClientLink connects a client to a case
type CaseClientLink struct {
	TenantID      string
	CaseID        string
	ClientID      string
	LinkedPartyID string
	IsPrimary     bool
	RetainerFee   *int64
}

// Assignee is a tenant member assigned to a case
type Assignee struct {
	MemberID  string
	IsPrimary bool
	Role      string
}

// CaseInfo is what the court registry returns for a case
type CaseInfo struct {
	Handle          string                   `json:"handle"`
	BasicInfo       json.RawMessage          `json:"basic_info,omitempty"`
	Parties         []RegistryParty          `json:"parties,omitempty"`
	Representatives []RegistryRepresentative `json:"representatives,omitempty"`
	Hearings        []Hearing                `json:"hearings,omitempty"`
	Progress        []json.RawMessage        `json:"progress,omitempty"`
	Documents       []json.RawMessage        `json:"documents,omitempty"`
	LowerCourt      []LinkedCase             `json:"lower_court,omitempty"`
	RelatedCases    []LinkedCase             `json:"related_cases,omitempty"`
}

// HasDetail reports whether the registry returned anything beyond the handle
func (c *CaseInfo) HasDetail() bool {
	return len(c.BasicInfo) > 0 || len(c.Progress) > 0 || len(c.Parties) > 0 ||
		len(c.Hearings) > 0 || len(c.LowerCourt) > 0 || len(c.RelatedCases) > 0
}

// RegistryParty is a party as listed by the registry
type RegistryParty struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// RegistryRepresentative is counsel as listed by the registry
type RegistryRepresentative struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Firm string `json:"firm,omitempty"`
}

// Hearing is a scheduled or past hearing
type Hearing struct {
	Date     string `json:"date"`
	Time     string `json:"time,omitempty"`
	Type     string `json:"type,omitempty"`
	Location string `json:"location,omitempty"`
	Result   string `json:"result,omitempty"`
}

// LinkedCase is a lower-court or related case reference
type LinkedCase struct {
	CaseNumber string `json:"case_number"`
	CourtName  string `json:"court_name,omitempty"`
	Relation   string `json:"relation,omitempty"`
	Result     string `json:"result,omitempty"`
	ResultDate string `json:"result_date,omitempty"`
	Handle     string `json:"handle,omitempty"`
	LowerCourt bool   `json:"lower_court,omitempty"`
}

// Snapshot is a point-in-time copy of registry data for a case
type Snapshot struct {
	TenantID   string
	CaseID     string
	CaseNumber string
	CourtName  string
	Info       *CaseInfo
}
