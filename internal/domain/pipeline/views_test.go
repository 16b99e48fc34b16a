package pipeline

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
)

func TestCleanMarkup(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  plain  ", "plain"},
		{"**Viral URI** likely", "<strong>Viral URI</strong> likely"},
		{"__note__", "<strong>note</strong>"},
		{"[**Bronchitis**]", "Bronchitis"},
		{"[*aside*]", "aside"},
		{"<script>alert(1)</script>", "&lt;script&gt;alert(1)&lt;/script&gt;"},
		{"a & b", "a &amp; b"},
	}
	for _, tt := range tests {
		if got := CleanMarkup(tt.in); got != tt.want {
			t.Errorf("CleanMarkup(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrimaryDiagnosis(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"empty", "", "Pending clinical evaluation"},
		{"numbered", "1. Viral upper respiratory infection\n2. Strep", "Viral upper respiratory infection"},
		{"skips bullets", "- minor note that is long\nAcute bronchitis suspected", "Acute bronchitis suspected"},
		{"skips short lines", "URI\nCommunity acquired pneumonia", "Community acquired pneumonia"},
		{"falls back to first line", "URI\nGERD", "URI"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PrimaryDiagnosis(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSectionList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", []string{}},
		{"numbered", "Plan:\n1. Rest at home\n2. Fluids", []string{"Rest at home", "Fluids"}},
		{"bullets", "Findings\n- Clear lungs\n- Mild erythema", []string{"Clear lungs", "Mild erythema"}},
		{"sentences", "Cough for three days. Worse at night! Ok.", []string{"Cough for three days.", "Worse at night!"}},
		{"nothing qualifies", "T 37.9C", []string{"T 37.9C"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, SectionList(tt.in)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewCaseView_Completed(t *testing.T) {
	rec := record(schema.English)
	c := &casefile.Case{
		ID:     uuid.New(),
		Status: casefile.StatusCompleted,
		Intake: intake.Intake{Name: "Jane", Symptoms: "cough", Allergies: intake.None, Language: schema.English},
		Record: &rec,
	}
	r := &principal.Recipient{ID: uuid.New(), DisplayName: "Dr. A"}

	v := NewCaseView(c, r)
	if v.Result == nil || v.Error != "" || v.FailureKind != "" {
		t.Fatalf("unexpected view: %+v", v)
	}
	if v.Urgency != schema.Routine || v.PatientInfo.Language != "English" || v.PatientInfo.Recipient != r {
		t.Errorf("unexpected view fields: %+v", v)
	}
	if v.Result.PatientView.Summary != "You most likely have a <strong>common cold</strong>." {
		t.Errorf("summary not cleaned: %q", v.Result.PatientView.Summary)
	}
	if v.Result.PatientView.PrimaryDiagnosis != "Viral upper respiratory infection" {
		t.Errorf("primary diagnosis: %q", v.Result.PatientView.PrimaryDiagnosis)
	}
	if len(v.Result.DoctorView.AssessmentList) != 2 {
		t.Errorf("assessment list: %v", v.Result.DoctorView.AssessmentList)
	}
}

func TestNewCaseView_FailedHidesDetail(t *testing.T) {
	c := &casefile.Case{
		ID:            uuid.New(),
		Status:        casefile.StatusFailed,
		FailureKind:   casefile.FailureRejected,
		FailureDetail: "provider said: blocked for SAFETY category HARASSMENT",
		Intake:        intake.Intake{Name: "Jane", Language: schema.English},
	}

	v := NewCaseView(c, nil)
	if v.Result != nil {
		t.Error("failed case must not carry a result")
	}
	if v.Error != FailureMessage(casefile.FailureRejected) {
		t.Errorf("error: %q", v.Error)
	}
	if strings.Contains(v.Error, "HARASSMENT") {
		t.Error("failure detail leaked into the view")
	}
}

func TestFailureMessage_Distinct(t *testing.T) {
	seen := map[string]casefile.FailureKind{}
	for _, k := range []casefile.FailureKind{casefile.FailureUnavailable, casefile.FailureRejected, casefile.FailureSchemaMismatch} {
		msg := FailureMessage(k)
		if prev, ok := seen[msg]; ok {
			t.Errorf("%s and %s share a message", prev, k)
		}
		seen[msg] = k
	}
	if FailureMessage(casefile.FailureInterrupted) != FailureMessage(casefile.FailureUnavailable) {
		t.Error("interrupted cases read as unavailable")
	}
}
