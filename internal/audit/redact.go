package audit

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Marker replaces every redacted value.
const Marker = "[REDACTED]"

var sensitiveKey = regexp.MustCompile(`(?i)^(password|passwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|authorization|credentials?)$`)

// Redactor replaces credential-like substrings before anything is persisted.
type Redactor struct {
	patterns []*regexp.Regexp
}

func NewRedactor(patterns []string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// Redact returns s with every pattern match replaced and whether anything changed.
func (r *Redactor) Redact(s string) (string, bool) {
	if r == nil || s == "" {
		return s, false
	}
	changed := false
	for _, re := range r.patterns {
		if re.MatchString(s) {
			s = re.ReplaceAllLiteralString(s, Marker)
			changed = true
		}
	}
	return s, changed
}

func (r *Redactor) RedactStrings(in []string) ([]string, bool) {
	if len(in) == 0 {
		return in, false
	}
	out := make([]string, len(in))
	changed := false
	for i, s := range in {
		var c bool
		out[i], c = r.Redact(s)
		changed = changed || c
	}
	return out, changed
}

// RedactJSON walks a JSON document and redacts string values. Values under
// credential-named keys are replaced outright.
func (r *Redactor) RedactJSON(raw []byte) ([]byte, bool, error) {
	if len(raw) == 0 {
		return raw, false, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		s, changed := r.Redact(string(raw))
		return []byte(s), changed, nil
	}
	v, changed := r.redactValue(v)
	if !changed {
		return raw, false, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (r *Redactor) redactValue(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case []any:
		changed := false
		for i, item := range t {
			var c bool
			t[i], c = r.redactValue(item)
			changed = changed || c
		}
		return t, changed
	case map[string]any:
		changed := false
		for k, item := range t {
			if s, ok := item.(string); ok && s != "" && s != Marker && sensitiveKey.MatchString(k) {
				t[k] = Marker
				changed = true
				continue
			}
			var c bool
			t[k], c = r.redactValue(item)
			changed = changed || c
		}
		return t, changed
	default:
		return v, false
	}
}
