// Package region layers jurisdiction rules over consent decisions. Rule
// documents are YAML, validated against an embedded JSON Schema and gated by
// a semver compatibility range, with an optional CEL overlay expression per
// region. The rule set is immutable after startup; overlay evaluation fails
// closed to escalate.
package region

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/brandmeonline/integrity-spine/pkg/canonicalize"
	"github.com/brandmeonline/integrity-spine/pkg/contracts"
)

// Privacy regimes a region may declare.
const (
	RegimeNone = "none"
	RegimeGDPR = "gdpr"
	RegimeCCPA = "ccpa"
)

// supportedSchema is the compatibility range for rule documents.
const supportedSchema = "^1"

//go:embed defaults/*.yaml
var defaultDocs embed.FS

// Doc is one region's rule document.
type Doc struct {
	SchemaVersion       string `yaml:"schema_version" json:"schema_version"`
	RegionCode          string `yaml:"region_code" json:"region_code"`
	PrivacyRegime       string `yaml:"privacy_regime" json:"privacy_regime"`
	Embargoed           bool   `yaml:"embargoed" json:"embargoed"`
	RequiresHumanReview bool   `yaml:"requires_human_review" json:"requires_human_review"`
	Overlay             string `yaml:"overlay,omitempty" json:"overlay,omitempty"`
	Notes               string `yaml:"notes,omitempty" json:"notes,omitempty"`
}

type compiledDoc struct {
	doc     Doc
	overlay cel.Program
	digest  string
}

// Rules is the loaded, immutable region rule set.
type Rules struct {
	docs   map[string]*compiledDoc
	logger *slog.Logger
}

// Load reads every *.yaml rule document under dir. An empty dir loads the
// embedded defaults. Any invalid document fails the whole load.
func Load(dir string, logger *slog.Logger) (*Rules, error) {
	r := &Rules{docs: make(map[string]*compiledDoc), logger: logger}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	env, err := overlayEnv()
	if err != nil {
		return nil, err
	}

	var sources []namedSource
	if dir == "" {
		sources, err = embeddedSources()
	} else {
		sources, err = dirSources(dir)
	}
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("region: no rule documents found in %q", dir)
	}

	for _, src := range sources {
		cd, err := compileDoc(src.data, schema, env)
		if err != nil {
			return nil, fmt.Errorf("region: %s: %w", src.name, err)
		}
		if _, dup := r.docs[cd.doc.RegionCode]; dup {
			return nil, fmt.Errorf("region: %s: duplicate region_code %q", src.name, cd.doc.RegionCode)
		}
		r.docs[cd.doc.RegionCode] = cd
		logger.Info("region rules loaded",
			"region", cd.doc.RegionCode,
			"regime", cd.doc.PrivacyRegime,
			"embargoed", cd.doc.Embargoed,
			"overlay", cd.overlay != nil,
			"digest", cd.digest[:12])
	}
	return r, nil
}

type namedSource struct {
	name string
	data []byte
}

func dirSources(dir string) ([]namedSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("region: read dir %s: %w", dir, err)
	}
	var out []namedSource
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("region: read %s: %w", e.Name(), err)
		}
		out = append(out, namedSource{name: e.Name(), data: data})
	}
	return out, nil
}

func embeddedSources() ([]namedSource, error) {
	var out []namedSource
	err := fs.WalkDir(defaultDocs, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := defaultDocs.ReadFile(path)
		if err != nil {
			return err
		}
		out = append(out, namedSource{name: path, data: data})
		return nil
	})
	return out, err
}

func compileDoc(data []byte, schema *jsonschema.Schema, env *cel.Env) (*compiledDoc, error) {
	var doc Doc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	// Round-trip through JSON so the schema sees JSON-typed values.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	ver, err := semver.NewVersion(doc.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("schema_version %q: %w", doc.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(supportedSchema)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(ver) {
		return nil, fmt.Errorf("schema_version %s outside supported range %s", doc.SchemaVersion, supportedSchema)
	}

	digest, err := canonicalize.CanonicalHash(doc)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	cd := &compiledDoc{doc: doc, digest: digest}
	if doc.Overlay != "" {
		ast, issues := env.Compile(doc.Overlay)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("overlay compile: %w", issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("overlay program: %w", err)
		}
		cd.overlay = prg
	}
	return cd, nil
}

func overlayEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("scope", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("region", types.StringType),
			decls.NewVariable("viewer_trust", types.DoubleType),
		),
	)
}

// Apply overlays regional law onto a consent decision. Owner scope is never
// downgraded; an unknown region keeps the base decision except that private
// scope escalates.
func (r *Rules) Apply(regionCode string, base contracts.Decision, scope contracts.Scope, action string, viewerTrust float64) contracts.Decision {
	if scope == contracts.ScopeOwner {
		return base
	}
	cd, ok := r.docs[regionCode]
	if !ok {
		if scope == contracts.ScopePrivate {
			return contracts.DecisionEscalate
		}
		return base
	}
	if cd.doc.Embargoed {
		return contracts.DecisionDeny
	}

	decision := base
	if cd.doc.RequiresHumanReview {
		decision = contracts.DecisionEscalate
	}
	if scope == contracts.ScopePrivate && (cd.doc.PrivacyRegime == RegimeGDPR || cd.doc.PrivacyRegime == RegimeCCPA) {
		decision = contracts.DecisionEscalate
	}

	if cd.overlay != nil {
		decision = r.evalOverlay(cd, decision, scope, action, viewerTrust)
	}
	return decision
}

// evalOverlay lets a region expression tighten the decision. Overlays may
// return deny or escalate; anything else, including evaluation errors,
// leaves at most an escalate on the table.
func (r *Rules) evalOverlay(cd *compiledDoc, decision contracts.Decision, scope contracts.Scope, action string, viewerTrust float64) contracts.Decision {
	out, _, err := cd.overlay.Eval(map[string]any{
		"scope":        string(scope),
		"action":       action,
		"region":       cd.doc.RegionCode,
		"viewer_trust": viewerTrust,
	})
	if err != nil {
		r.logger.Warn("region overlay evaluation failed; escalating",
			"region", cd.doc.RegionCode, "error", err)
		return contracts.DecisionEscalate
	}
	switch v := out.Value().(type) {
	case string:
		switch contracts.Decision(v) {
		case contracts.DecisionDeny:
			return contracts.DecisionDeny
		case contracts.DecisionEscalate:
			if decision != contracts.DecisionDeny {
				return contracts.DecisionEscalate
			}
		case contracts.DecisionAllow, "":
			// tighten-only: an overlay cannot loosen the decision
		default:
			r.logger.Warn("region overlay returned unknown verdict; escalating",
				"region", cd.doc.RegionCode, "verdict", v)
			return contracts.DecisionEscalate
		}
	case bool:
		if !v && decision != contracts.DecisionDeny {
			return contracts.DecisionEscalate
		}
	default:
		r.logger.Warn("region overlay returned non-decision; escalating",
			"region", cd.doc.RegionCode)
		return contracts.DecisionEscalate
	}
	return decision
}

// Known reports whether a rule document covers the region.
func (r *Rules) Known(regionCode string) bool {
	_, ok := r.docs[regionCode]
	return ok
}

// Regime returns the region's privacy regime, defaulting to none.
func (r *Rules) Regime(regionCode string) string {
	if cd, ok := r.docs[regionCode]; ok {
		return cd.doc.PrivacyRegime
	}
	return RegimeNone
}

// Digest returns the canonical hash of the region's rule document, or empty
// for unknown regions.
func (r *Rules) Digest(regionCode string) string {
	if cd, ok := r.docs[regionCode]; ok {
		return cd.digest
	}
	return ""
}

// Codes lists the loaded region codes in sorted order.
func (r *Rules) Codes() []string {
	out := make([]string, 0, len(r.docs))
	for code := range r.docs {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
