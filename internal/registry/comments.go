package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// preferencesHeaderRE and directiveHeaderRE mirror
// _examples/original_source/src/scripts/script.rs's PREFERENCES_HEADER_RE /
// PROVIDER_HEADER_RE, generalized to cover every "## Fisher[-Name]:" form
// in one pass instead of two separate regexes.
var (
	preferencesHeaderRE = regexp.MustCompile(`^## Fisher: (.*)$`)
	directiveHeaderRE   = regexp.MustCompile(`^## Fisher-([a-zA-Z]+): (.*)$`)
)

// directive is one parsed "## Fisher-<Name>: <value>" line, still in its
// raw decoded form (decodeDirectiveBody already ran, schema validation has
// not).
type directive struct {
	name  string // e.g. "Standalone", "GitHub", "GitLab", "Status"
	value json.RawMessage
	line  int
}

// headerParse is the result of scanning a script's header comments.
type headerParse struct {
	preferences Preferences
	directives  []directive
}

// parseHeader implements spec.md §4.1's configuration-comment grammar: a
// shebang line or single-"#" comments or blank lines may precede and
// interleave with "##" directive lines; parsing stops at the first line
// that is none of those. Unlike the Rust original, a blank line does not
// terminate parsing on its own — only a substantive (non-comment,
// non-blank) line does, per spec.md's explicit wording.
func parseHeader(r io.Reader, filename string) (headerParse, error) {
	scanner := bufio.NewScanner(r)

	var out headerParse
	haveFisher := false
	haveStatus := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		trimmed := strings.TrimRight(line, "\r")
		if strings.TrimSpace(trimmed) == "" {
			continue
		}

		if m := preferencesHeaderRE.FindStringSubmatch(trimmed); m != nil {
			if haveFisher {
				continue
			}
			body, err := decodeDirectiveBody(m[1])
			if err != nil {
				return headerParse{}, fmt.Errorf("%s:%d: decoding Fisher directive: %w", filename, lineNo, err)
			}
			if err := registrySchemas.validate("Fisher", decodeForSchema(body)); err != nil {
				return headerParse{}, fmt.Errorf("%s:%d: %w", filename, lineNo, err)
			}
			var prefs Preferences
			if err := json.Unmarshal(body, &prefs); err != nil {
				return headerParse{}, fmt.Errorf("%s:%d: decoding Fisher directive: %w", filename, lineNo, err)
			}
			out.preferences = prefs
			haveFisher = true
			continue
		}

		if m := directiveHeaderRE.FindStringSubmatch(trimmed); m != nil {
			name := m[1]
			schemaKey := "Fisher-" + name
			body, err := decodeDirectiveBody(m[2])
			if err != nil {
				return headerParse{}, fmt.Errorf("%s:%d: decoding Fisher-%s directive: %w", filename, lineNo, name, err)
			}
			if name == "Status" {
				if haveStatus {
					return headerParse{}, fmt.Errorf("%s:%d: duplicate Fisher-Status directive", filename, lineNo)
				}
				haveStatus = true
			}
			if err := registrySchemas.validate(schemaKey, decodeForSchema(body)); err != nil {
				return headerParse{}, fmt.Errorf("%s:%d: %w", filename, lineNo, err)
			}
			out.directives = append(out.directives, directive{name: name, value: body, line: lineNo})
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			// Shebang or a plain single-"#" comment: skip and keep reading.
			continue
		}

		// First substantive line: stop parsing the header.
		break
	}

	if err := scanner.Err(); err != nil {
		return headerParse{}, fmt.Errorf("%s: reading header: %w", filename, err)
	}

	return out, nil
}

// decodeDirectiveBody decodes a directive's value as JSON first; if that
// fails, it falls back to YAML (a superset of JSON syntax in practice,
// tolerant of bare unquoted keys and trailing commas operators sometimes
// write by hand). This fallback is not present in the original
// implementation; it is a deliberate supplement recorded in SPEC_FULL.md.
func decodeDirectiveBody(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}

	var generic any
	if err := yaml.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("value is neither valid JSON nor YAML: %w", err)
	}
	reencoded, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encoding YAML-decoded value: %w", err)
	}
	return json.RawMessage(reencoded), nil
}

// decodeForSchema turns a json.RawMessage into the any value the jsonschema
// validator expects (it validates decoded Go values, not raw bytes).
func decodeForSchema(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}
