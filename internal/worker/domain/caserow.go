package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ClientRole is the side the client takes in the case
type ClientRole string

const (
	RolePlaintiff  ClientRole = "plaintiff"
	RoleDefendant  ClientRole = "defendant"
	RoleApplicant  ClientRole = "applicant"
	RoleRespondent ClientRole = "respondent"
	RoleCreditor   ClientRole = "creditor"
	RoleDebtor     ClientRole = "debtor"
)

var roleLabels = map[ClientRole]string{
	RolePlaintiff:  "원고",
	RoleDefendant:  "피고",
	RoleApplicant:  "신청인",
	RoleRespondent: "피신청인",
	RoleCreditor:   "채권자",
	RoleDebtor:     "채무자",
}

var oppositeRoles = map[ClientRole]ClientRole{
	RolePlaintiff:  RoleDefendant,
	RoleDefendant:  RolePlaintiff,
	RoleApplicant:  RoleRespondent,
	RoleRespondent: RoleApplicant,
	RoleCreditor:   RoleDebtor,
	RoleDebtor:     RoleCreditor,
}

// Label returns the display label used on party records
func (r ClientRole) Label() string {
	if label, ok := roleLabels[r]; ok {
		return label
	}
	return string(r)
}

// Opposite returns the role of the other side, defaulting to defendant
func (r ClientRole) Opposite() ClientRole {
	if o, ok := oppositeRoles[r]; ok {
		return o
	}
	return RoleDefendant
}

// ParseClientRole accepts either the role code or its display label
func ParseClientRole(s string) (ClientRole, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	role := ClientRole(strings.ToLower(s))
	if _, ok := roleLabels[role]; ok {
		return role, true
	}
	for r, label := range roleLabels {
		if label == s {
			return r, true
		}
	}
	return "", false
}

// CaseRow is the typed payload of an import job
type CaseRow struct {
	CourtCaseNumber   string `json:"court_case_number"`
	CourtName         string `json:"court_name"`
	ClientName        string `json:"client_name,omitempty"`
	CaseName          string `json:"case_name,omitempty"`
	CaseType          string `json:"case_type,omitempty"`
	ClientRole        string `json:"client_role,omitempty"`
	OpponentName      string `json:"opponent_name,omitempty"`
	ClientPhone       string `json:"client_phone,omitempty"`
	ClientEmail       string `json:"client_email,omitempty"`
	ClientAddress     string `json:"client_address,omitempty"`
	ClientBankAccount string `json:"client_bank_account,omitempty"`
	ClientBirthDate   string `json:"client_birth_date,omitempty"`
	AssignedLawyer    string `json:"assigned_lawyer,omitempty"`
	AssignedStaff     string `json:"assigned_staff,omitempty"`
	RetainerFee       *int64 `json:"retainer_fee,omitempty"`
	ContractDate      string `json:"contract_date,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// Validate checks the fields every import needs
func (r CaseRow) Validate() error {
	if strings.TrimSpace(r.CourtCaseNumber) == "" {
		return fmt.Errorf("%w: missing required field court_case_number", ErrValidation)
	}
	if strings.TrimSpace(r.CourtName) == "" {
		return fmt.Errorf("%w: missing required field court_name", ErrValidation)
	}
	if r.PartyName() == "" {
		return fmt.Errorf("%w: one of client_name or opponent_name is required", ErrValidation)
	}
	return nil
}

var contractDateLayouts = []string{"2006-01-02", "2006.01.02", "2006/01/02", "20060102"}

// ParseContractDate accepts YYYY-MM-DD, YYYY.MM.DD, YYYY/MM/DD and YYYYMMDD
// and returns the date as YYYY-MM-DD
func ParseContractDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range contractDateLayouts {
		if len(s) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(time.DateOnly), nil
		}
	}
	return "", fmt.Errorf("%w: contract_date %q is not a date (use YYYY-MM-DD)", ErrValidation, s)
}

// PartyName is the name used to search the registry
func (r CaseRow) PartyName() string {
	if name := strings.TrimSpace(r.ClientName); name != "" {
		return name
	}
	return strings.TrimSpace(r.OpponentName)
}

// Role resolves the client role, defaulting to plaintiff
func (r CaseRow) Role() ClientRole {
	if role, ok := ParseClientRole(r.ClientRole); ok {
		return role
	}
	return RolePlaintiff
}

// Lawyers splits the comma-separated lawyer list; the first entry is primary
func (r CaseRow) Lawyers() []string {
	var names []string
	for _, name := range strings.Split(r.AssignedLawyer, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Value implements driver.Valuer so the row can be stored as JSONB
func (r CaseRow) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (r *CaseRow) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	case nil:
		*r = CaseRow{}
		return nil
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
}
