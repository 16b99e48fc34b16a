package schema

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Document is the decoding target for raw provider output. Every field is a
// pointer so that an absent key and an explicit null are both detectable.
type Document struct {
	PatientView *PatientViewDoc `json:"patient_view"`
	DoctorView  *DoctorViewDoc  `json:"doctor_view"`
	Safety      *SafetyDoc      `json:"safety"`
	Urgency     *string         `json:"urgency"`
}

type PatientViewDoc struct {
	Language        *string   `json:"language"`
	Summary         *string   `json:"summary"`
	Pathophysiology *string   `json:"pathophysiology"`
	CarePlan        *[]string `json:"care_plan"`
	RedFlags        *[]string `json:"red_flags"`
}

type DoctorViewDoc struct {
	Subjective *string `json:"subjective"`
	Objective  *string `json:"objective"`
	Assessment *string `json:"assessment"`
	Plan       *string `json:"plan"`
}

type SafetyDoc struct {
	IsSafe   *bool     `json:"is_safe"`
	Warnings *[]string `json:"warnings"`
}

// Violation describes the first way a Document fails the contract.
type Violation struct {
	Field  string
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Check reports whether doc satisfies the contract and, if it does, returns
// the equivalent Record. Nothing is defaulted: a missing or null required
// field is a violation.
func Check(doc *Document) (Record, error) {
	var rec Record
	if doc == nil {
		return rec, &Violation{Field: "$", Reason: "missing"}
	}

	pv := doc.PatientView
	if pv == nil {
		return rec, missing("patient_view")
	}
	if pv.Language == nil {
		return rec, missing("patient_view.language")
	}
	lang := Language(*pv.Language)
	if !lang.Valid() {
		return rec, &Violation{Field: "patient_view.language", Reason: fmt.Sprintf("%q not in allowed set", *pv.Language)}
	}
	rec.PatientView.Language = lang

	var err error
	if rec.PatientView.Summary, err = text("patient_view.summary", pv.Summary, MaxSummaryLen); err != nil {
		return Record{}, err
	}
	if rec.PatientView.Pathophysiology, err = text("patient_view.pathophysiology", pv.Pathophysiology, MaxPathophysiologyLen); err != nil {
		return Record{}, err
	}
	if rec.PatientView.CarePlan, err = list("patient_view.care_plan", pv.CarePlan); err != nil {
		return Record{}, err
	}
	if rec.PatientView.RedFlags, err = list("patient_view.red_flags", pv.RedFlags); err != nil {
		return Record{}, err
	}

	dv := doc.DoctorView
	if dv == nil {
		return Record{}, missing("doctor_view")
	}
	sections := []struct {
		name string
		src  *string
		dst  *string
	}{
		{"doctor_view.subjective", dv.Subjective, &rec.DoctorView.Subjective},
		{"doctor_view.objective", dv.Objective, &rec.DoctorView.Objective},
		{"doctor_view.assessment", dv.Assessment, &rec.DoctorView.Assessment},
		{"doctor_view.plan", dv.Plan, &rec.DoctorView.Plan},
	}
	for _, s := range sections {
		if *s.dst, err = text(s.name, s.src, MaxSectionLen); err != nil {
			return Record{}, err
		}
	}

	sf := doc.Safety
	if sf == nil {
		return Record{}, missing("safety")
	}
	if sf.IsSafe == nil {
		return Record{}, missing("safety.is_safe")
	}
	rec.Safety.IsSafe = *sf.IsSafe
	if rec.Safety.Warnings, err = list("safety.warnings", sf.Warnings); err != nil {
		return Record{}, err
	}

	if doc.Urgency == nil {
		return Record{}, missing("urgency")
	}
	urgency := Urgency(*doc.Urgency)
	if !urgency.Valid() {
		return Record{}, &Violation{Field: "urgency", Reason: fmt.Sprintf("%q not in allowed set", *doc.Urgency)}
	}
	rec.Urgency = urgency

	return rec, nil
}

func missing(field string) *Violation {
	return &Violation{Field: field, Reason: "missing"}
}

func text(field string, v *string, max int) (string, error) {
	if v == nil {
		return "", missing(field)
	}
	if strings.TrimSpace(*v) == "" {
		return "", &Violation{Field: field, Reason: "empty"}
	}
	if n := utf8.RuneCountInString(*v); n > max {
		return "", &Violation{Field: field, Reason: fmt.Sprintf("length %d exceeds %d", n, max)}
	}
	return *v, nil
}

// list requires the key to be present as an array; an empty array is allowed.
func list(field string, v *[]string) ([]string, error) {
	if v == nil {
		return nil, missing(field)
	}
	items := *v
	if len(items) > MaxListItems {
		return nil, &Violation{Field: field, Reason: fmt.Sprintf("%d items exceeds %d", len(items), MaxListItems)}
	}
	out := make([]string, len(items))
	for i, item := range items {
		name := fmt.Sprintf("%s[%d]", field, i)
		if strings.TrimSpace(item) == "" {
			return nil, &Violation{Field: name, Reason: "empty"}
		}
		if n := utf8.RuneCountInString(item); n > MaxListItemLen {
			return nil, &Violation{Field: name, Reason: fmt.Sprintf("length %d exceeds %d", n, MaxListItemLen)}
		}
		out[i] = item
	}
	return out, nil
}
