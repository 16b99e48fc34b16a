package schema

import "strings"

// Language is the closed set of output languages for the patient-facing view.
type Language string

const (
	English    Language = "en"
	Spanish    Language = "es"
	French     Language = "fr"
	German     Language = "de"
	Hindi      Language = "hi"
	Chinese    Language = "zh"
	Arabic     Language = "ar"
	Portuguese Language = "pt"
)

var languageNames = map[Language]string{
	English:    "English",
	Spanish:    "Spanish",
	French:     "French",
	German:     "German",
	Hindi:      "Hindi",
	Chinese:    "Chinese",
	Arabic:     "Arabic",
	Portuguese: "Portuguese",
}

// Languages returns the supported language codes in a stable order.
func Languages() []Language {
	return []Language{English, Spanish, French, German, Hindi, Chinese, Arabic, Portuguese}
}

// ParseLanguage accepts a code ("es") or display name ("Spanish"), case-insensitive.
func ParseLanguage(s string) (Language, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, code := range Languages() {
		if strings.EqualFold(s, string(code)) || strings.EqualFold(s, languageNames[code]) {
			return code, true
		}
	}
	return "", false
}

func (l Language) Valid() bool {
	_, ok := languageNames[l]
	return ok
}

// Name returns the English display name, or the raw code if unknown.
func (l Language) Name() string {
	if n, ok := languageNames[l]; ok {
		return n
	}
	return string(l)
}

// Urgency is the closed set of triage indicators a record may carry.
type Urgency string

const (
	Routine   Urgency = "routine"
	Soon      Urgency = "soon"
	Urgent    Urgency = "urgent"
	Emergency Urgency = "emergency"
)

func Urgencies() []Urgency {
	return []Urgency{Routine, Soon, Urgent, Emergency}
}

func (u Urgency) Valid() bool {
	switch u {
	case Routine, Soon, Urgent, Emergency:
		return true
	}
	return false
}

// Length bounds, in runes.
const (
	MaxSummaryLen         = 4000
	MaxPathophysiologyLen = 4000
	MaxSectionLen         = 8000
	MaxListItems          = 20
	MaxListItemLen        = 500
)

// Record is a validated Structured Generation Record. Values of this type are
// only produced by Check, so holders may rely on every field being present
// and within bounds.
type Record struct {
	PatientView PatientView `json:"patient_view"`
	DoctorView  DoctorView  `json:"doctor_view"`
	Safety      Safety      `json:"safety"`
	Urgency     Urgency     `json:"urgency"`
}

type PatientView struct {
	Language        Language `json:"language"`
	Summary         string   `json:"summary"`
	Pathophysiology string   `json:"pathophysiology"`
	CarePlan        []string `json:"care_plan"`
	RedFlags        []string `json:"red_flags"`
}

// DoctorView is the four-section SOAP note.
type DoctorView struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

type Safety struct {
	IsSafe   bool     `json:"is_safe"`
	Warnings []string `json:"warnings"`
}
