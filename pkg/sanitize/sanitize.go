// Package sanitize validates untrusted payload fields against per-field
// allow-list policies. Fields without a registered policy are rejected,
// never passed through.
package sanitize

import (
	"sort"
	"strings"
	"unicode"
)

type Class string

const (
	ClassHTML Class = "html"
	ClassText Class = "text"
)

type TextClass string

const (
	TextAlphanumeric   TextClass = "alphanumeric"
	TextPrintableASCII TextClass = "printable_ascii"
	TextNumeric        TextClass = "numeric"
)

const (
	ReasonUnknownField      = "unknown_field"
	ReasonTooLong           = "too_long"
	ReasonDisallowedContent = "disallowed_content"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: field " + e.Field + ": " + e.Reason
}

// Policy is the per-field rule. HTML-class fields carry an allowed-tag
// set and are transformed; text-class fields carry an allowed character
// class and are rejected on violation, never rewritten.
type Policy struct {
	Class       Class
	MaxLength   int
	Required    bool
	AllowedTags []string
	TextClass   TextClass
	ExtraRunes  string
}

type PolicyTable struct {
	policies map[string]Policy
}

func NewPolicyTable(policies map[string]Policy) *PolicyTable {
	copied := make(map[string]Policy, len(policies))
	for name, p := range policies {
		copied[strings.ToLower(strings.TrimSpace(name))] = p
	}
	return &PolicyTable{policies: copied}
}

func (t *PolicyTable) Policy(field string) (Policy, bool) {
	p, ok := t.policies[strings.ToLower(strings.TrimSpace(field))]
	return p, ok
}

// RequiredFields lists fields whose policy marks them required.
func (t *PolicyTable) RequiredFields() []string {
	var out []string
	for name, p := range t.policies {
		if p.Required {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Sanitize applies the field's policy to a raw value. The length check
// runs first, before any parsing.
func (t *PolicyTable) Sanitize(field, raw string) (string, error) {
	policy, ok := t.Policy(field)
	if !ok {
		return "", &ValidationError{Field: field, Reason: ReasonUnknownField}
	}
	if policy.MaxLength > 0 && len(raw) > policy.MaxLength {
		return "", &ValidationError{Field: field, Reason: ReasonTooLong}
	}
	switch policy.Class {
	case ClassHTML:
		return sanitizeHTML(raw, allowedTagSet(policy.AllowedTags)), nil
	case ClassText:
		if !textAllowed(raw, policy.TextClass, policy.ExtraRunes) {
			return "", &ValidationError{Field: field, Reason: ReasonDisallowedContent}
		}
		return raw, nil
	default:
		// Unrecognized class in config: reject rather than pass through.
		return "", &ValidationError{Field: field, Reason: ReasonDisallowedContent}
	}
}

func allowedTagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		trimmed := strings.ToLower(strings.TrimSpace(tag))
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func textAllowed(raw string, class TextClass, extra string) bool {
	for _, r := range raw {
		if strings.ContainsRune(extra, r) {
			continue
		}
		switch class {
		case TextAlphanumeric:
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				return false
			}
		case TextNumeric:
			if r < '0' || r > '9' {
				return false
			}
		case TextPrintableASCII:
			if r < 0x20 || r > 0x7e {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Tags with no content of their own. A disallowed void tag is dropped
// without looking for a closing tag.
var voidTags = map[string]struct{}{
	"br": {}, "hr": {}, "img": {}, "input": {}, "meta": {}, "link": {}, "area": {}, "col": {}, "embed": {}, "source": {}, "track": {}, "wbr": {},
}

// sanitizeHTML keeps only explicitly allowed tags, stripped of all
// attributes. Disallowed elements are removed together with their
// content, so nothing not explicitly permitted survives the transform.
func sanitizeHTML(raw string, allowed map[string]struct{}) string {
	var out strings.Builder
	i := 0
	for i < len(raw) {
		c := raw[i]
		if c != '<' {
			out.WriteByte(c)
			i++
			continue
		}
		if strings.HasPrefix(raw[i:], "<!--") {
			end := strings.Index(raw[i+4:], "-->")
			if end < 0 {
				break
			}
			i += 4 + end + 3
			continue
		}
		tag, closing, next, ok := parseTag(raw, i)
		if !ok {
			// Unterminated tag: drop the remainder.
			break
		}
		i = next
		if tag == "" {
			// Not a tag, just a stray "<"; the bracket itself is dropped.
			continue
		}
		if _, allow := allowed[tag]; allow {
			if closing {
				out.WriteString("</" + tag + ">")
			} else {
				out.WriteString("<" + tag + ">")
			}
			continue
		}
		if closing {
			continue
		}
		if _, void := voidTags[tag]; void {
			continue
		}
		i = skipElement(raw, i, tag)
	}
	return out.String()
}

// parseTag reads a tag starting at raw[start] == '<'. Attributes are
// discarded. Returns the lowercased tag name, whether it is a closing
// tag, and the index just past '>'.
func parseTag(raw string, start int) (tag string, closing bool, next int, ok bool) {
	i := start + 1
	if i < len(raw) && raw[i] == '/' {
		closing = true
		i++
	}
	nameStart := i
	for i < len(raw) && isTagNameByte(raw[i]) {
		i++
	}
	if i == nameStart {
		// "<" followed by a non-name byte is not a tag; swallow the "<".
		return "", false, start + 1, true
	}
	tag = strings.ToLower(raw[nameStart:i])
	for i < len(raw) && raw[i] != '>' {
		i++
	}
	if i >= len(raw) {
		return "", false, 0, false
	}
	return tag, closing, i + 1, true
}

// skipElement drops everything up to and including the matching close
// tag, tracking nesting of the same tag name. Unclosed elements consume
// the rest of the input.
func skipElement(raw string, start int, tag string) int {
	depth := 1
	i := start
	for i < len(raw) {
		idx := strings.IndexByte(raw[i:], '<')
		if idx < 0 {
			return len(raw)
		}
		i += idx
		name, closing, next, ok := parseTag(raw, i)
		if !ok {
			return len(raw)
		}
		if name == tag {
			if closing {
				depth--
				if depth == 0 {
					return next
				}
			} else if _, void := voidTags[tag]; !void {
				depth++
			}
		}
		i = next
	}
	return len(raw)
}

func isTagNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
