// Package validation converts raw provider text into a schema.Record.
//
// The flow is a small state machine:
//
//	RawReceived -> StrictDecodeAttempted -> Succeeded
//	                                     -> RepairAttempted -> Succeeded | Failed
//
// Repair is a single bounded pass that recovers framing damage only: code
// fences, surrounding prose, trailing commentary and trailing commas. It
// never adds, renames or fills in fields.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mediassist/mediassist/internal/domain/schema"
)

type State string

const (
	RawReceived           State = "RawReceived"
	StrictDecodeAttempted State = "StrictDecodeAttempted"
	RepairAttempted       State = "RepairAttempted"
	Succeeded             State = "Succeeded"
	Failed                State = "Failed"
)

type FailureKind string

const SchemaMismatch FailureKind = "SchemaMismatch"

const (
	// MaxRawBytes bounds the input considered at all.
	MaxRawBytes = 256 << 10
	// maxFragments bounds how many top-level objects repair will try.
	maxFragments = 8
)

var errNoFragment = errors.New("no well-formed JSON object found")

// Failure is returned when no conformant record could be produced. Detail is
// for logs and the audit trail, not for end users.
type Failure struct {
	Kind   FailureKind
	Detail string
	Trace  []State
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Result is a validated record and how it was obtained.
type Result struct {
	Record   schema.Record
	Repaired bool
	Trace    []State
}

// Validate returns a Result whose Record satisfies schema.Check, or a
// *Failure. It never returns both nil.
func Validate(raw string) (*Result, error) {
	trace := []State{RawReceived}
	fail := func(format string, args ...any) error {
		return &Failure{Kind: SchemaMismatch, Detail: fmt.Sprintf(format, args...), Trace: append(trace, Failed)}
	}

	if len(raw) > MaxRawBytes {
		return nil, fail("response of %d bytes exceeds %d", len(raw), MaxRawBytes)
	}

	trace = append(trace, StrictDecodeAttempted)
	doc, decodeErr := strictDecode(raw)
	if decodeErr == nil {
		rec, err := schema.Check(doc)
		if err != nil {
			return nil, fail("contract: %v", err)
		}
		return &Result{Record: rec, Trace: append(trace, Succeeded)}, nil
	}

	trace = append(trace, RepairAttempted)
	doc, err := repair(raw)
	if err != nil {
		return nil, fail("decode: %v; repair: %v", decodeErr, err)
	}
	rec, err := schema.Check(doc)
	if err != nil {
		return nil, fail("contract after repair: %v", err)
	}
	return &Result{Record: rec, Repaired: true, Trace: append(trace, Succeeded)}, nil
}

// strictDecode accepts exactly one JSON object with only known fields and
// nothing but whitespace after it.
func strictDecode(s string) (*schema.Document, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.DisallowUnknownFields()

	var doc schema.Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if err := ensureEOF(dec); err != nil {
		return nil, err
	}
	return &doc, nil
}

func ensureEOF(dec *json.Decoder) error {
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("trailing data: %w", err)
	}
	return errors.New("trailing data after JSON object")
}

// repair tries, in order, each top-level object found in the fenced content
// and then in the raw text. The first fragment that strictly decodes wins,
// with a trailing-comma fix as the only edit allowed.
func repair(raw string) (*schema.Document, error) {
	sources := []string{}
	if fenced, ok := stripFence(raw); ok {
		sources = append(sources, fenced)
	}
	sources = append(sources, raw)

	var lastErr error = errNoFragment
	tried := 0
	for _, src := range sources {
		for _, frag := range topLevelObjects(src, maxFragments) {
			if tried >= maxFragments {
				return nil, lastErr
			}
			tried++

			doc, err := strictDecode(frag)
			if err == nil {
				return doc, nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				if fixed, changed := dropTrailingCommas(frag); changed {
					if doc, err2 := strictDecode(fixed); err2 == nil {
						return doc, nil
					}
				}
			}
			lastErr = err
		}
	}
	return nil, lastErr
}

// stripFence returns the body of the first ``` fenced block, if any.
func stripFence(raw string) (string, bool) {
	start := strings.Index(raw, "```")
	if start == -1 {
		return "", false
	}
	rest := raw[start+3:]
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	content := rest[:end]
	// Drop the info string ("json") on the opening line.
	if nl := strings.IndexByte(content, '\n'); nl != -1 {
		content = content[nl+1:]
	}
	return strings.TrimSpace(content), true
}

// topLevelObjects returns up to limit balanced {...} spans at depth zero,
// skipping braces inside JSON strings. A '{' that never closes (stray prose)
// is skipped and the scan resumes just after it, at most limit times.
func topLevelObjects(input string, limit int) []string {
	var out []string
	for from, restarts := 0, 0; from < len(input) && len(out) < limit; restarts++ {
		spans, unclosed := scanObjects(input, from, limit-len(out))
		out = append(out, spans...)
		if unclosed < 0 || restarts >= limit {
			break
		}
		from = unclosed + 1
	}
	return out
}

// scanObjects scans input from offset from. unclosed is the offset of an
// opening brace still open at the end of input, or -1.
func scanObjects(input string, from, limit int) (spans []string, unclosed int) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := from; i < len(input) && len(spans) < limit; i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' && depth > 0 {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, input[start:i+1])
				start = -1
			}
		}
	}
	if depth > 0 && start >= 0 && len(spans) < limit {
		return spans, start
	}
	return spans, -1
}

// dropTrailingCommas removes commas that directly precede } or ] outside
// strings.
func dropTrailingCommas(s string) (string, bool) {
	var buf bytes.Buffer
	buf.Grow(len(s))
	inString := false
	escaped := false
	changed := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			buf.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		if ch == '"' {
			inString = true
			buf.WriteByte(ch)
			continue
		}
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				changed = true
				continue
			}
		}
		buf.WriteByte(ch)
	}
	return buf.String(), changed
}
