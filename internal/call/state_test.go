package call

import (
	"encoding/json"
	"strings"
	"testing"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func strPtr(v string) *string     { return &v }
func boolPtr(v bool) *bool        { return &v }

func fullState() *State {
	return &State{
		VisitLimit:            intPtr(20),
		VisitLimitStructure:   strPtr("calendar year"),
		VisitsUsed:            intPtr(4),
		Copay:                 floatPtr(25),
		Deductible:            floatPtr(500),
		DeductibleMet:         floatPtr(120),
		OOPMax:                floatPtr(4000),
		OOPMet:                floatPtr(600),
		AuthorizationRequired: boolPtr(true),
		ReferenceNumber:       strPtr("REF-123"),
	}
}

func TestState_Missing(t *testing.T) {
	t.Parallel()

	st := &State{}
	missing := st.Missing()
	if len(missing) != 10 {
		t.Fatalf("empty state: want 10 missing, got %d", len(missing))
	}
	if missing[0] != "visit_limit" {
		t.Errorf("first missing: want visit_limit, got %s", missing[0])
	}

	st.VisitLimit = intPtr(20)
	missing = st.Missing()
	if missing[0] != "visit_limit_structure" {
		t.Errorf("after visit_limit captured: want visit_limit_structure first, got %s", missing[0])
	}

	if !fullState().Complete() {
		t.Error("full state: want Complete")
	}
	if st.Complete() {
		t.Error("partial state: want not Complete")
	}
}

func TestState_Merge(t *testing.T) {
	t.Parallel()

	st := &State{Copay: floatPtr(25)}
	st.Merge(&State{
		Deductible: floatPtr(500),
		Copay:      floatPtr(30), // newer capture wins
	})

	if st.Copay == nil || *st.Copay != 30 {
		t.Errorf("Copay: want 30, got %v", st.Copay)
	}
	if st.Deductible == nil || *st.Deductible != 500 {
		t.Errorf("Deductible: want 500, got %v", st.Deductible)
	}
	if st.VisitLimit != nil {
		t.Error("VisitLimit: want still nil")
	}

	// Merging nil fields must not clear captured values.
	st.Merge(&State{})
	if st.Copay == nil {
		t.Error("Copay cleared by empty merge")
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"visit_limit": 12,
		"visit_limit_structure": null,
		"visits_used": null,
		"copay": 25.5,
		"deductible": null,
		"deductible_met": null,
		"oop_max": null,
		"oop_met": null,
		"authorization_required": false,
		"reference_number": null
	}`)

	st, err := ParseState(raw)
	if err != nil {
		t.Fatalf("ParseState: %v", err)
	}
	if st.VisitLimit == nil || *st.VisitLimit != 12 {
		t.Errorf("VisitLimit: want 12, got %v", st.VisitLimit)
	}
	if st.Copay == nil || *st.Copay != 25.5 {
		t.Errorf("Copay: want 25.5, got %v", st.Copay)
	}
	if st.AuthorizationRequired == nil || *st.AuthorizationRequired {
		t.Errorf("AuthorizationRequired: want false, got %v", st.AuthorizationRequired)
	}
	if st.ReferenceNumber != nil {
		t.Errorf("ReferenceNumber: want nil, got %v", st.ReferenceNumber)
	}
}

func TestParseState_UnknownFieldRejected(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"copay": 25.5, "coinsurance": 0.2}`)
	if _, err := ParseState(raw); err == nil {
		t.Error("ParseState accepted a field outside the schema")
	}
}

func TestExtractionSchema_CoversAllSlots(t *testing.T) {
	t.Parallel()

	schema := ExtractionSchema()
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatal("schema has no properties map")
	}
	for _, name := range slotOrder {
		if _, ok := props[name]; !ok {
			t.Errorf("schema missing slot %s", name)
		}
	}
	required, ok := schema["required"].([]string)
	if !ok || len(required) != len(slotOrder) {
		t.Errorf("required: want all %d slots listed", len(slotOrder))
	}
}

func TestPrompter_Phases(t *testing.T) {
	t.Parallel()

	p := NewPrompter(DefaultPatientInfo())

	t.Run("first exchange uses bare persona", func(t *testing.T) {
		t.Parallel()
		got := p.System(&State{}, 1)
		if !strings.Contains(got, AgentName) || !strings.Contains(got, "John Doe") {
			t.Errorf("persona prompt missing identity: %q", got)
		}
		if strings.Contains(got, "ask the representative") {
			t.Error("first-exchange prompt should not include the missing-slot instruction")
		}
	})

	t.Run("missing slots ask for the first one", func(t *testing.T) {
		t.Parallel()
		st := &State{VisitLimit: intPtr(10)}
		got := p.System(st, 5)
		if !strings.Contains(got, "visit_limit_structure") {
			t.Errorf("want prompt asking for visit_limit_structure, got %q", got)
		}
	})

	t.Run("complete state switches to summary", func(t *testing.T) {
		t.Parallel()
		got := p.System(fullState(), 9)
		if !strings.Contains(got, "summarize the conversation") {
			t.Errorf("want summary prompt, got %q", got)
		}
		if !strings.Contains(got, "REF-123") {
			t.Error("summary prompt should list captured values")
		}
	})
}
