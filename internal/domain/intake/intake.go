package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/schema"
)

// Submission is the raw intake as bound from a form or JSON body.
type Submission struct {
	Name               string `json:"name" form:"name"`
	Age                string `json:"age" form:"age"`
	Gender             string `json:"gender" form:"gender"`
	Weight             string `json:"weight" form:"weight"`
	Height             string `json:"height" form:"height"`
	Temperature        string `json:"temperature" form:"temperature"`
	BloodPressure      string `json:"blood_pressure" form:"blood_pressure"`
	Duration           string `json:"duration" form:"duration"`
	Severity           string `json:"severity" form:"severity"`
	Symptoms           string `json:"symptoms" form:"symptoms"`
	Allergies          string `json:"allergies" form:"allergies"`
	CurrentMedications string `json:"current_medications" form:"current_medications"`
	MedicalHistory     string `json:"medical_history" form:"medical_history"`
	OtherNotes         string `json:"other_notes" form:"other_notes"`
	Language           string `json:"language" form:"language"`
	Consent            string `json:"consent" form:"consent"`
	RecipientID        string `json:"recipient_id" form:"recipient_id"`
}

// UnmarshalJSON accepts strings, numbers and booleans for every field, so
// `"consent": true` and `"age": 34` bind like their form equivalents.
func (s *Submission) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	fields := map[string]*string{
		"name": &s.Name, "age": &s.Age, "gender": &s.Gender,
		"weight": &s.Weight, "height": &s.Height, "temperature": &s.Temperature,
		"blood_pressure": &s.BloodPressure, "duration": &s.Duration, "severity": &s.Severity,
		"symptoms": &s.Symptoms, "allergies": &s.Allergies,
		"current_medications": &s.CurrentMedications, "medical_history": &s.MedicalHistory,
		"other_notes": &s.OtherNotes, "language": &s.Language, "consent": &s.Consent,
		"recipient_id": &s.RecipientID,
	}
	for key, v := range raw {
		dst, ok := fields[key]
		if !ok {
			continue
		}
		switch x := v.(type) {
		case nil:
		case string:
			*dst = x
		case json.Number:
			*dst = x.String()
		case bool:
			*dst = strconv.FormatBool(x)
		default:
			return fmt.Errorf("field %q must be a string, number or boolean", key)
		}
	}
	return nil
}

// Intake is a normalized submission. It is what gets composed into a prompt
// and retained on the case record.
type Intake struct {
	Name               string          `json:"name"`
	Age                string          `json:"age,omitempty"`
	Gender             string          `json:"gender,omitempty"`
	Weight             string          `json:"weight,omitempty"`
	Height             string          `json:"height,omitempty"`
	Temperature        string          `json:"temperature,omitempty"`
	BloodPressure      string          `json:"blood_pressure,omitempty"`
	Duration           string          `json:"duration,omitempty"`
	Severity           string          `json:"severity,omitempty"`
	Symptoms           string          `json:"symptoms"`
	Allergies          string          `json:"allergies"`
	CurrentMedications string          `json:"current_medications"`
	MedicalHistory     string          `json:"medical_history"`
	OtherNotes         string          `json:"other_notes,omitempty"`
	Language           schema.Language `json:"language"`
	Consent            bool            `json:"consent"`
	RecipientID        *uuid.UUID      `json:"recipient_id,omitempty"`
}

const (
	maxNameLen     = 200
	maxSymptomsLen = 4000
	maxFieldLen    = 1000
	maxAge         = 150

	// None is recorded for optional clinical lists left blank.
	None = "None"
)

// Error reports which intake field was rejected. Messages are safe to show
// to the submitter.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Normalize trims and cleans every field, applies defaults, and rejects the
// submission if a required field is missing or consent was not given.
func Normalize(s Submission) (Intake, error) {
	in := Intake{
		Name:               clean(s.Name),
		Age:                clean(s.Age),
		Gender:             clean(s.Gender),
		Weight:             clean(s.Weight),
		Height:             clean(s.Height),
		Temperature:        clean(s.Temperature),
		BloodPressure:      clean(s.BloodPressure),
		Duration:           clean(s.Duration),
		Severity:           clean(s.Severity),
		Symptoms:           clean(s.Symptoms),
		Allergies:          orNone(clean(s.Allergies)),
		CurrentMedications: orNone(clean(s.CurrentMedications)),
		MedicalHistory:     orNone(clean(s.MedicalHistory)),
		OtherNotes:         clean(s.OtherNotes),
	}

	if !parseConsent(s.Consent) {
		return Intake{}, &Error{Field: "consent", Reason: "must be given"}
	}
	in.Consent = true

	if in.Name == "" {
		return Intake{}, &Error{Field: "name", Reason: "is required"}
	}
	if in.Symptoms == "" {
		return Intake{}, &Error{Field: "symptoms", Reason: "is required"}
	}

	lang := strings.TrimSpace(s.Language)
	if lang == "" {
		in.Language = schema.English
	} else {
		l, ok := schema.ParseLanguage(lang)
		if !ok {
			return Intake{}, &Error{Field: "language", Reason: "is not supported"}
		}
		in.Language = l
	}

	if in.Age != "" {
		age, err := strconv.Atoi(in.Age)
		if err != nil || age < 0 || age > maxAge {
			return Intake{}, &Error{Field: "age", Reason: "must be a whole number of years"}
		}
	}

	if rid := strings.TrimSpace(s.RecipientID); rid != "" {
		id, err := uuid.Parse(rid)
		if err != nil {
			return Intake{}, &Error{Field: "recipient_id", Reason: "is not a valid identifier"}
		}
		in.RecipientID = &id
	}

	limits := []struct {
		field string
		value string
		max   int
	}{
		{"name", in.Name, maxNameLen},
		{"symptoms", in.Symptoms, maxSymptomsLen},
		{"gender", in.Gender, maxFieldLen},
		{"weight", in.Weight, maxFieldLen},
		{"height", in.Height, maxFieldLen},
		{"temperature", in.Temperature, maxFieldLen},
		{"blood_pressure", in.BloodPressure, maxFieldLen},
		{"duration", in.Duration, maxFieldLen},
		{"severity", in.Severity, maxFieldLen},
		{"allergies", in.Allergies, maxFieldLen},
		{"current_medications", in.CurrentMedications, maxFieldLen},
		{"medical_history", in.MedicalHistory, maxFieldLen},
		{"other_notes", in.OtherNotes, maxSymptomsLen},
	}
	for _, l := range limits {
		if utf8.RuneCountInString(l.value) > l.max {
			return Intake{}, &Error{Field: l.field, Reason: fmt.Sprintf("exceeds %d characters", l.max)}
		}
	}

	return in, nil
}

func parseConsent(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "on", "yes", "1", "y":
		return true
	}
	return false
}

// clean trims surrounding space and drops control and format characters
// other than newline and tab.
func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r == '\r' {
			return -1
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

func orNone(s string) string {
	if s == "" {
		return None
	}
	return s
}
