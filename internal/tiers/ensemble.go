// Field-wise ensemble combination.
//
// DESIGN: The ensemble result takes, for every field, the candidate value
// with the highest confidence across the two inputs. The merge is performed
// by JSON patching (sjson) over the serialized base result so extension
// fields and schema metadata survive untouched.
package tiers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/talentwire/extraction-core/internal/extraction"
)

// Combine merges two results field-wise by highest confidence. The first
// argument is the base; its schema version and extensions are preserved.
func Combine(a, b *extraction.Result) (*extraction.Result, error) {
	blob, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("ensemble: marshal base: %w", err)
	}

	for name, fv := range b.Fields {
		base, ok := a.Fields[name]
		if ok && base.Confidence >= fv.Confidence {
			continue
		}
		path := "fields." + escapePath(name)
		if blob, err = sjson.SetBytes(blob, path+".value", fv.Value); err != nil {
			return nil, fmt.Errorf("ensemble: patch %q: %w", name, err)
		}
		if blob, err = sjson.SetBytes(blob, path+".confidence", fv.Confidence); err != nil {
			return nil, fmt.Errorf("ensemble: patch %q: %w", name, err)
		}
	}

	var merged extraction.Result
	if err := json.Unmarshal(blob, &merged); err != nil {
		return nil, fmt.Errorf("ensemble: decode merged: %w", err)
	}

	merged.SourceTier = extraction.TierEnsemble
	merged.OverallConfidence = overallConfidence(&merged)
	return &merged, nil
}

// overallConfidence is the minimum per-field confidence, matching the
// validator's aggregation.
func overallConfidence(r *extraction.Result) float64 {
	overall := 1.0
	if len(r.Fields) == 0 {
		return 0
	}
	for _, fv := range r.Fields {
		if fv.Confidence < overall {
			overall = fv.Confidence
		}
	}
	return overall
}

// escapePath escapes sjson path metacharacters in field names.
func escapePath(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	name = strings.ReplaceAll(name, `.`, `\.`)
	name = strings.ReplaceAll(name, `*`, `\*`)
	name = strings.ReplaceAll(name, `?`, `\?`)
	return name
}
