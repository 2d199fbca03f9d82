package actions

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/nebula-cp/nebula/internal/model"
)

// bannedMetaKeys are rejected anywhere in metadata to keep stored objects
// safe for prototype-based consumers downstream.
var bannedMetaKeys = map[string]bool{
	"__proto__":   true,
	"prototype":   true,
	"constructor": true,
}

// sanitizeMeta walks metadata, rejecting banned keys and stripping bidi and
// control characters from every string value. Returns a cleaned copy.
func sanitizeMeta(meta model.Meta) (model.Meta, error) {
	if meta == nil {
		return model.Meta{}, nil
	}
	cleaned, err := sanitizeValue(map[string]any(meta))
	if err != nil {
		return nil, err
	}
	return model.Meta(cleaned.(map[string]any)), nil
}

func sanitizeValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			if bannedMetaKeys[k] {
				return nil, model.ErrInvalid("metadata", fmt.Sprintf("metadata key %q is not allowed", k))
			}
			cleaned, err := sanitizeValue(inner)
			if err != nil {
				return nil, err
			}
			out[sanitizeString(k)] = cleaned
		}
		return out, nil
	case model.Meta:
		return sanitizeValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			cleaned, err := sanitizeValue(inner)
			if err != nil {
				return nil, err
			}
			out[i] = cleaned
		}
		return out, nil
	case string:
		return sanitizeString(t), nil
	default:
		return v, nil
	}
}

// bidiRunes are direction-override and isolate characters stripped from
// every string field.
var bidiRunes = map[rune]bool{
	'\u202A': true, '\u202B': true, '\u202C': true, '\u202D': true, '\u202E': true,
	'\u2066': true, '\u2067': true, '\u2068': true, '\u2069': true,
	'\u200E': true, '\u200F': true, '\u061C': true,
}

// sanitizeString strips bidi override and control characters. Newlines and
// tabs survive; everything else in Cc and the bidi set does not.
func sanitizeString(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t':
			return r
		}
		if bidiRunes[r] || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// typeValidators are per-entity-type metadata shape checks, keyed by the
// lowercased entity type name. Unknown types validate trivially.
var typeValidators = map[string]func(model.Meta) error{
	"person":  validatePersonMeta,
	"project": validateProjectMeta,
}

func validateEntityMeta(typeName string, meta model.Meta) error {
	v, ok := typeValidators[strings.ToLower(typeName)]
	if !ok {
		return nil
	}
	return v(meta)
}

func validatePersonMeta(meta model.Meta) error {
	for _, field := range []string{"birthday", "met_on"} {
		raw, ok := meta[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return model.ErrInvalid("metadata."+field, "must be a YYYY-MM-DD date string")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return model.ErrInvalid("metadata."+field, "must be a YYYY-MM-DD date string")
		}
	}
	return nil
}

func validateProjectMeta(meta model.Meta) error {
	raw, ok := meta["repo_url"]
	if !ok {
		return nil
	}
	s, ok := raw.(string)
	if !ok {
		return model.ErrInvalid("metadata.repo_url", "must be a URL string")
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return model.ErrInvalid("metadata.repo_url", "must be an absolute URL")
	}
	return nil
}

// validateSegments checks that every context segment's scopes are a subset
// of the record's own scope names. A segment must never widen visibility
// beyond the record carrying it.
func validateSegments(meta model.Meta, recordScopeNames []string) error {
	segments, err := meta.Segments()
	if err != nil {
		return model.ErrInvalid("metadata.context_segments", "malformed context segments")
	}
	if len(segments) == 0 {
		return nil
	}
	record := make(map[string]bool, len(recordScopeNames))
	for _, n := range recordScopeNames {
		record[strings.ToLower(n)] = true
	}
	for _, seg := range segments {
		for _, name := range seg.Scopes {
			if !record[strings.ToLower(name)] {
				return model.ErrInvalid("metadata.context_segments",
					fmt.Sprintf("segment scope %q is not among the record's scopes", name))
			}
		}
	}
	return nil
}

// validateTags enforces count and length limits and strips unsafe runes.
func validateTags(tags []string) ([]string, error) {
	if len(tags) > model.MaxTags {
		return nil, model.ErrInvalid("tags", fmt.Sprintf("at most %d tags allowed", model.MaxTags))
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(sanitizeString(t))
		if t == "" {
			continue
		}
		if len(t) > model.MaxTagLen {
			return nil, model.ErrInvalid("tags", fmt.Sprintf("tag exceeds %d characters", model.MaxTagLen))
		}
		out = append(out, t)
	}
	return out, nil
}
