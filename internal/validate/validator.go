// Package validate scores extraction results against their requests.
//
// DESIGN: The validator is a pure, versioned function. Completeness and
// confidence are fixed formulas; consistency is driven entirely by configured
// predicates so deployments can match historical scoring without code
// changes. Bumping the version makes older cache entries miss on exact match.
package validate

import (
	"fmt"
	"regexp"

	"github.com/talentwire/extraction-core/internal/config"
	"github.com/talentwire/extraction-core/internal/extraction"
)

// lowConfidenceThreshold flags individual fields the caller should eyeball.
const lowConfidenceThreshold = 0.5

// Validator evaluates (request, result) pairs.
type Validator struct {
	version    int
	predicates []predicate
}

type predicate struct {
	name    string
	kind    string
	fields  []string
	pattern *regexp.Regexp
	penalty float64
}

// New builds a validator from configuration. Patterns are compiled once here;
// config.Validate has already rejected malformed ones.
func New(cfg config.ValidatorConfig) (*Validator, error) {
	v := &Validator{version: cfg.Version}
	for _, p := range cfg.Predicates {
		pred := predicate{
			name:    p.Name,
			kind:    p.Kind,
			fields:  p.Fields,
			penalty: p.Penalty,
		}
		if p.Kind == "pattern" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("predicate %q: %w", p.Name, err)
			}
			pred.pattern = re
		}
		v.predicates = append(v.predicates, pred)
	}
	return v, nil
}

// Version returns the validator version used to gate cache entries.
func (v *Validator) Version() int { return v.version }

// Report scores a result. Pure: the same inputs always produce the same
// report under the same version.
func (v *Validator) Report(req *extraction.Request, result *extraction.Result) extraction.QualityReport {
	report := extraction.QualityReport{
		Completeness: 1,
		Consistency:  1,
		Confidence:   1,
	}

	if len(result.Fields) == 0 {
		report.Flags = append(report.Flags, extraction.FlagEmptyResult)
	}

	// Completeness: fraction of required fields present and non-empty.
	if len(req.RequiredFields) > 0 {
		present := 0
		for _, name := range req.RequiredFields {
			if _, ok := result.Field(name); ok {
				present++
			}
		}
		report.Completeness = float64(present) / float64(len(req.RequiredFields))
	}

	// Confidence: minimum over required field confidences. Missing required
	// fields contribute zero.
	for _, name := range req.RequiredFields {
		fv, ok := result.Field(name)
		if !ok {
			report.Confidence = 0
			continue
		}
		if fv.Confidence < report.Confidence {
			report.Confidence = fv.Confidence
		}
		if fv.Confidence < lowConfidenceThreshold {
			report.Flags = append(report.Flags, "low_confidence_field:"+name)
		}
	}

	// Consistency: each violated predicate multiplies in its penalty.
	for _, p := range v.predicates {
		if v.violated(p, result) {
			report.Consistency *= p.penalty
			report.Flags = append(report.Flags, "predicate_violation:"+p.name)
		}
	}

	// Schema drift: extensions carry fields outside the declared schema.
	if len(result.Extensions) > 0 {
		report.Flags = append(report.Flags, extraction.FlagSchemaDrift)
	}

	return report
}

func (v *Validator) violated(p predicate, result *extraction.Result) bool {
	switch p.kind {
	case "requires":
		// fields[0] present implies fields[1] present.
		_, a := result.Field(p.fields[0])
		_, b := result.Field(p.fields[1])
		return a && !b
	case "not_both":
		_, a := result.Field(p.fields[0])
		_, b := result.Field(p.fields[1])
		return a && b
	case "pattern":
		fv, ok := result.Field(p.fields[0])
		if !ok {
			return false
		}
		return !p.pattern.MatchString(fv.Value)
	}
	return false
}
