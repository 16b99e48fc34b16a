package pipeline

import (
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
)

const pendingDiagnosis = "Pending clinical evaluation"

// PatientInfo is the retained intake as shown next to a result.
type PatientInfo struct {
	Name               string               `json:"name"`
	Age                string               `json:"age,omitempty"`
	Gender             string               `json:"gender,omitempty"`
	Weight             string               `json:"weight,omitempty"`
	Height             string               `json:"height,omitempty"`
	Temperature        string               `json:"temperature,omitempty"`
	BloodPressure      string               `json:"blood_pressure,omitempty"`
	Duration           string               `json:"duration,omitempty"`
	Severity           string               `json:"severity,omitempty"`
	Symptoms           string               `json:"symptoms"`
	Allergies          string               `json:"allergies"`
	CurrentMedications string               `json:"current_medications"`
	MedicalHistory     string               `json:"medical_history"`
	OtherNotes         string               `json:"other_notes,omitempty"`
	Language           string               `json:"language"`
	Recipient          *principal.Recipient `json:"recipient,omitempty"`
}

// Result is the validated record prepared for display. Text fields are
// HTML-escaped, with emphasis markup turned into <strong>.
type Result struct {
	PatientView PatientViewResult `json:"patient_view"`
	DoctorView  DoctorViewResult  `json:"doctor_view"`
	Safety      schema.Safety     `json:"safety"`
	Urgency     schema.Urgency    `json:"urgency"`
}

type PatientViewResult struct {
	Language         schema.Language `json:"language"`
	Summary          string          `json:"summary"`
	Pathophysiology  string          `json:"pathophysiology"`
	CarePlan         []string        `json:"care_plan"`
	RedFlags         []string        `json:"red_flags"`
	PrimaryDiagnosis string          `json:"primary_diagnosis"`
}

type DoctorViewResult struct {
	Subjective     string   `json:"subjective"`
	Objective      string   `json:"objective"`
	Assessment     string   `json:"assessment"`
	Plan           string   `json:"plan"`
	SubjectiveList []string `json:"subjective_list"`
	ObjectiveList  []string `json:"objective_list"`
	AssessmentList []string `json:"assessment_list"`
	PlanList       []string `json:"plan_list"`
}

// CaseView is the read shape of one case.
type CaseView struct {
	CaseID      uuid.UUID            `json:"case_id"`
	Status      casefile.Status      `json:"status"`
	CreatedAt   time.Time            `json:"created_at"`
	Urgency     schema.Urgency       `json:"urgency,omitempty"`
	PatientInfo PatientInfo          `json:"patient_info"`
	Result      *Result              `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	FailureKind casefile.FailureKind `json:"failure_kind,omitempty"`
}

// NewPatientInfo derives the display intake. recipient may be nil.
func NewPatientInfo(c *casefile.Case, recipient *principal.Recipient) PatientInfo {
	in := c.Intake
	return PatientInfo{
		Name:               in.Name,
		Age:                in.Age,
		Gender:             in.Gender,
		Weight:             in.Weight,
		Height:             in.Height,
		Temperature:        in.Temperature,
		BloodPressure:      in.BloodPressure,
		Duration:           in.Duration,
		Severity:           in.Severity,
		Symptoms:           in.Symptoms,
		Allergies:          in.Allergies,
		CurrentMedications: in.CurrentMedications,
		MedicalHistory:     in.MedicalHistory,
		OtherNotes:         in.OtherNotes,
		Language:           in.Language.Name(),
		Recipient:          recipient,
	}
}

// NewResult derives the display record. It returns nil when the case has no
// record.
func NewResult(rec *schema.Record) *Result {
	if rec == nil {
		return nil
	}
	pv, dv := rec.PatientView, rec.DoctorView

	subjective := CleanMarkup(dv.Subjective)
	objective := CleanMarkup(dv.Objective)
	assessment := CleanMarkup(dv.Assessment)
	plan := CleanMarkup(dv.Plan)

	return &Result{
		PatientView: PatientViewResult{
			Language:         pv.Language,
			Summary:          CleanMarkup(pv.Summary),
			Pathophysiology:  CleanMarkup(pv.Pathophysiology),
			CarePlan:         cleanAll(pv.CarePlan),
			RedFlags:         cleanAll(pv.RedFlags),
			PrimaryDiagnosis: CleanMarkup(PrimaryDiagnosis(dv.Assessment)),
		},
		DoctorView: DoctorViewResult{
			Subjective:     subjective,
			Objective:      objective,
			Assessment:     assessment,
			Plan:           plan,
			SubjectiveList: SectionList(subjective),
			ObjectiveList:  SectionList(objective),
			AssessmentList: SectionList(assessment),
			PlanList:       SectionList(plan),
		},
		Safety: schema.Safety{
			IsSafe:   rec.Safety.IsSafe,
			Warnings: cleanAll(rec.Safety.Warnings),
		},
		Urgency: rec.Urgency,
	}
}

// NewCaseView builds the read shape. Failed cases carry the generic message
// for their failure kind, never the recorded detail.
func NewCaseView(c *casefile.Case, recipient *principal.Recipient) CaseView {
	v := CaseView{
		CaseID:      c.ID,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
		PatientInfo: NewPatientInfo(c, recipient),
		Result:      NewResult(c.Record),
	}
	if c.Record != nil {
		v.Urgency = c.Record.Urgency
	}
	if c.Status == casefile.StatusFailed {
		v.FailureKind = c.FailureKind
		v.Error = FailureMessage(c.FailureKind)
	}
	return v
}

// FailureMessage is the user-facing text for a failed case.
func FailureMessage(kind casefile.FailureKind) string {
	switch kind {
	case casefile.FailureRejected:
		return "The submission could not be analyzed. Please review the content and try again."
	case casefile.FailureSchemaMismatch:
		return "The analysis could not be completed reliably. Please try again later."
	default:
		return "The analysis service is temporarily unavailable. Please try again later."
	}
}

var (
	bracketMarkup = regexp.MustCompile(`\[\*\*|\*\*\]|\[\*|\*\]`)
	boldStars     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnders    = regexp.MustCompile(`__(.+?)__`)
	leadingMarker = regexp.MustCompile(`^[\d.\-*]+\s*`)
	numberedItem  = regexp.MustCompile(`(?m)^[ \t]*\d+\.\s+`)
	bulletItem    = regexp.MustCompile(`(?m)^[ \t]*[-*]\s+`)
	sentenceEnd   = regexp.MustCompile(`[.!?]\s+`)
)

// CleanMarkup escapes s for HTML, drops [** **] and [* *] brackets and turns
// **x** and __x__ into <strong>x</strong>.
func CleanMarkup(s string) string {
	if s == "" {
		return ""
	}
	s = html.EscapeString(s)
	s = bracketMarkup.ReplaceAllString(s, "")
	s = boldStars.ReplaceAllString(s, "<strong>$1</strong>")
	s = boldUnders.ReplaceAllString(s, "<strong>$1</strong>")
	return strings.TrimSpace(s)
}

func cleanAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, CleanMarkup(it))
	}
	return out
}

// PrimaryDiagnosis picks the first assessment line that is not a bullet and
// is longer than 10 characters once list numbering is stripped. Without
// one it falls back to the first line.
func PrimaryDiagnosis(assessment string) string {
	if strings.TrimSpace(assessment) == "" {
		return pendingDiagnosis
	}
	lines := strings.Split(assessment, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		line = strings.TrimSpace(leadingMarker.ReplaceAllString(line, ""))
		if len([]rune(line)) > 10 {
			return line
		}
	}
	return strings.TrimSpace(lines[0])
}

// SectionList splits a SOAP section into display items: numbered items if
// there are any, else bullet items, else sentences longer than 10
// characters. Text before the first numbered or bullet item is dropped. If
// nothing qualifies the whole text is the single item.
func SectionList(text string) []string {
	if text == "" {
		return []string{}
	}

	if parts := numberedItem.Split(text, -1); len(parts) > 1 {
		return trimAll(parts[1:])
	}
	if parts := bulletItem.Split(text, -1); len(parts) > 1 {
		return trimAll(parts[1:])
	}

	var items []string
	for _, line := range strings.Split(text, "\n") {
		for _, sentence := range splitSentences(line) {
			if sentence = strings.TrimSpace(sentence); len([]rune(sentence)) > 10 {
				items = append(items, sentence)
			}
		}
	}
	if len(items) == 0 {
		return []string{text}
	}
	return items
}

// splitSentences splits after sentence punctuation that is followed by
// whitespace, keeping the punctuation.
func splitSentences(line string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(line, -1) {
		out = append(out, line[start:loc[0]+1])
		start = loc[1]
	}
	return append(out, line[start:])
}

func trimAll(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
