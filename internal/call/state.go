// Package call holds the working memory of a benefit-verification call: the
// slot values being collected from the insurance representative, the patient
// identity card used to authenticate, and the prompt text derived from both.
package call

import (
	"bytes"
	"encoding/json"
)

// State holds the benefit information collected so far. A nil field means the
// slot has not been captured yet. State is owned by the dispatcher; it is not
// safe for concurrent mutation.
type State struct {
	VisitLimit            *int     `json:"visit_limit"`
	VisitLimitStructure   *string  `json:"visit_limit_structure"`
	VisitsUsed            *int     `json:"visits_used"`
	Copay                 *float64 `json:"copay"`
	Deductible            *float64 `json:"deductible"`
	DeductibleMet         *float64 `json:"deductible_met"`
	OOPMax                *float64 `json:"oop_max"`
	OOPMet                *float64 `json:"oop_met"`
	AuthorizationRequired *bool    `json:"authorization_required"`
	ReferenceNumber       *string  `json:"reference_number"`
}

// slotOrder fixes the order slots are asked for and reported in.
var slotOrder = []string{
	"visit_limit",
	"visit_limit_structure",
	"visits_used",
	"copay",
	"deductible",
	"deductible_met",
	"oop_max",
	"oop_met",
	"authorization_required",
	"reference_number",
}

// Explanations describes each slot in representative-facing language. Used
// verbatim when prompting the agent to ask for a missing slot.
var Explanations = map[string]string{
	"visit_limit":            "Whether the visits are limited, and the allowed number.",
	"visit_limit_structure":  "How the limit is tracked (calendar year, fiscal year, benefit period, etc.) (only if a visit limit exists)",
	"visits_used":            "How many visits have been used prior to this contact (only if a visit limit exists)",
	"copay":                  "The copay amount per visit.",
	"deductible":             "Whether there is a deductible, and the total amount.",
	"deductible_met":         "How much of the deductible has been met (only if a deductible exists)",
	"oop_max":                "Whether there's a cap on out-of-pocket expenses, and the total amount.",
	"oop_met":                "How much has already been paid toward the out-of-pocket max (only if applicable)",
	"authorization_required": "Whether pre-authorization is required before beginning care.",
	"reference_number":       "The reference number for this call or authorization.",
}

// fields returns the slot values keyed by slot name, in no particular order.
func (s *State) fields() map[string]any {
	return map[string]any{
		"visit_limit":            ptrVal(s.VisitLimit),
		"visit_limit_structure":  ptrVal(s.VisitLimitStructure),
		"visits_used":            ptrVal(s.VisitsUsed),
		"copay":                  ptrVal(s.Copay),
		"deductible":             ptrVal(s.Deductible),
		"deductible_met":         ptrVal(s.DeductibleMet),
		"oop_max":                ptrVal(s.OOPMax),
		"oop_met":                ptrVal(s.OOPMet),
		"authorization_required": ptrVal(s.AuthorizationRequired),
		"reference_number":       ptrVal(s.ReferenceNumber),
	}
}

func ptrVal[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// Missing returns the names of slots not yet captured, in slot order.
func (s *State) Missing() []string {
	f := s.fields()
	var missing []string
	for _, name := range slotOrder {
		if f[name] == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// Complete reports whether every slot has been captured.
func (s *State) Complete() bool {
	return len(s.Missing()) == 0
}

// Merge copies every non-nil field from other into s. Captured values are
// overwritten only by newly captured values, never cleared.
func (s *State) Merge(other *State) {
	if other == nil {
		return
	}
	if other.VisitLimit != nil {
		s.VisitLimit = other.VisitLimit
	}
	if other.VisitLimitStructure != nil {
		s.VisitLimitStructure = other.VisitLimitStructure
	}
	if other.VisitsUsed != nil {
		s.VisitsUsed = other.VisitsUsed
	}
	if other.Copay != nil {
		s.Copay = other.Copay
	}
	if other.Deductible != nil {
		s.Deductible = other.Deductible
	}
	if other.DeductibleMet != nil {
		s.DeductibleMet = other.DeductibleMet
	}
	if other.OOPMax != nil {
		s.OOPMax = other.OOPMax
	}
	if other.OOPMet != nil {
		s.OOPMet = other.OOPMet
	}
	if other.AuthorizationRequired != nil {
		s.AuthorizationRequired = other.AuthorizationRequired
	}
	if other.ReferenceNumber != nil {
		s.ReferenceNumber = other.ReferenceNumber
	}
}

// ParseState decodes an extraction result into a State. Unknown fields are
// rejected so schema drift surfaces as an error rather than silent data loss.
func ParseState(data json.RawMessage) (*State, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var st State
	if err := dec.Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ExtractionSchema is the JSON Schema handed to the LLM's structured-output
// endpoint when parsing the conversation into a State. Every property is
// nullable so the model can express "not mentioned".
func ExtractionSchema() map[string]any {
	props := map[string]any{
		"visit_limit":            nullable("integer"),
		"visit_limit_structure":  nullable("string"),
		"visits_used":            nullable("integer"),
		"copay":                  nullable("number"),
		"deductible":             nullable("number"),
		"deductible_met":         nullable("number"),
		"oop_max":                nullable("number"),
		"oop_met":                nullable("number"),
		"authorization_required": nullable("boolean"),
		"reference_number":       nullable("string"),
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             slotOrder,
		"additionalProperties": false,
	}
}

func nullable(typ string) map[string]any {
	return map[string]any{"type": []string{typ, "null"}}
}

// PatientInfo is the static identity card the agent uses to identify the
// patient to the representative.
type PatientInfo struct {
	Name            string `json:"name" yaml:"name"`
	DateOfBirth     string `json:"date_of_birth" yaml:"date_of_birth"`
	MemberID        string `json:"member_id" yaml:"member_id"`
	ActiveDate      string `json:"active_date" yaml:"active_date"`
	DateOfTreatment string `json:"date_of_treatment" yaml:"date_of_treatment"`
}

// DefaultPatientInfo returns the built-in test patient used when the config
// does not supply one.
func DefaultPatientInfo() PatientInfo {
	return PatientInfo{
		Name:            "John Doe",
		DateOfBirth:     "January 1st 1980",
		MemberID:        "M O Y 1 2 3 4 5 6 7 8 9",
		ActiveDate:      "12/31/2024",
		DateOfTreatment: "06/15/2024",
	}
}
