package intake

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/schema"
)

func TestNormalize_Minimal(t *testing.T) {
	in, err := Normalize(Submission{
		Name:     "  Jane ",
		Symptoms: "cough, sore throat",
		Language: "en",
		Consent:  "true",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Name != "Jane" {
		t.Errorf("expected trimmed name, got %q", in.Name)
	}
	if in.Allergies != None || in.CurrentMedications != None || in.MedicalHistory != None {
		t.Errorf("expected None defaults, got %q %q %q", in.Allergies, in.CurrentMedications, in.MedicalHistory)
	}
	if in.Language != schema.English {
		t.Errorf("expected en, got %s", in.Language)
	}
	if in.RecipientID != nil {
		t.Error("expected no recipient")
	}
}

func TestNormalize_LanguageByName(t *testing.T) {
	in, err := Normalize(Submission{Name: "Ana", Symptoms: "fiebre", Language: "Spanish", Consent: "on"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Language != schema.Spanish {
		t.Errorf("expected es, got %s", in.Language)
	}
}

func TestNormalize_DefaultLanguage(t *testing.T) {
	in, err := Normalize(Submission{Name: "Ana", Symptoms: "headache", Consent: "yes"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Language != schema.English {
		t.Errorf("expected en default, got %s", in.Language)
	}
}

func TestNormalize_Recipient(t *testing.T) {
	id := uuid.New()
	in, err := Normalize(Submission{Name: "A", Symptoms: "pain", Consent: "1", RecipientID: id.String()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.RecipientID == nil || *in.RecipientID != id {
		t.Errorf("expected recipient %s", id)
	}
}

func TestNormalize_StripsControlCharacters(t *testing.T) {
	in, err := Normalize(Submission{Name: "Jo\x00hn\u202e", Symptoms: "line1\r\nline2", Consent: "true"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Name != "John" {
		t.Errorf("expected control chars stripped, got %q", in.Name)
	}
	if in.Symptoms != "line1\nline2" {
		t.Errorf("expected newline preserved, got %q", in.Symptoms)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	base := Submission{Name: "Jane", Symptoms: "cough", Consent: "true"}
	tests := []struct {
		name  string
		edit  func(s *Submission)
		field string
	}{
		{"no consent", func(s *Submission) { s.Consent = "" }, "consent"},
		{"consent false", func(s *Submission) { s.Consent = "false" }, "consent"},
		{"no name", func(s *Submission) { s.Name = "   " }, "name"},
		{"no symptoms", func(s *Submission) { s.Symptoms = "" }, "symptoms"},
		{"bad language", func(s *Submission) { s.Language = "Klingon" }, "language"},
		{"bad age", func(s *Submission) { s.Age = "old" }, "age"},
		{"negative age", func(s *Submission) { s.Age = "-3" }, "age"},
		{"bad recipient", func(s *Submission) { s.RecipientID = "dr-smith" }, "recipient_id"},
		{"long symptoms", func(s *Submission) { s.Symptoms = strings.Repeat("x", maxSymptomsLen+1) }, "symptoms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.edit(&s)
			_, err := Normalize(s)
			var ie *Error
			if !errors.As(err, &ie) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ie.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, ie.Field)
			}
		})
	}
}

func TestSubmission_UnmarshalJSON(t *testing.T) {
	var s Submission
	body := `{"name":"Jane","age":34,"consent":true,"symptoms":"cough","allergies":null,"unknown":"x"}`
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Name != "Jane" || s.Age != "34" || s.Consent != "true" || s.Symptoms != "cough" || s.Allergies != "" {
		t.Errorf("unexpected submission: %+v", s)
	}

	in, err := Normalize(s)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !in.Consent || in.Age != "34" {
		t.Errorf("unexpected intake: %+v", in)
	}

	if err := json.Unmarshal([]byte(`{"name":["a"]}`), &s); err == nil {
		t.Error("expected error for array field")
	}
}
