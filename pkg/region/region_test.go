package region

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/brandmeonline/integrity-spine/pkg/contracts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadDefaults(t *testing.T) *Rules {
	t.Helper()
	r, err := Load("", testLogger())
	if err != nil {
		t.Fatalf("Load(defaults) error = %v", err)
	}
	return r
}

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadEmbeddedDefaults(t *testing.T) {
	r := loadDefaults(t)
	for _, code := range []string{"us-east1", "eu-west1", "us-west2"} {
		if !r.Known(code) {
			t.Errorf("default region %s missing", code)
		}
		if r.Digest(code) == "" {
			t.Errorf("default region %s has no digest", code)
		}
	}
	if r.Regime("eu-west1") != RegimeGDPR {
		t.Errorf("eu-west1 regime = %q, want gdpr", r.Regime("eu-west1"))
	}
}

func TestOwnerScopeBypassesOverlays(t *testing.T) {
	r := loadDefaults(t)
	got := r.Apply("eu-west1", contracts.DecisionAllow, contracts.ScopeOwner, "request_passport_view", 0.1)
	if got != contracts.DecisionAllow {
		t.Errorf("owner in gdpr region = %s, want allow", got)
	}
}

func TestPrivateScopeEscalatesUnderGDPR(t *testing.T) {
	r := loadDefaults(t)

	got := r.Apply("eu-west1", contracts.DecisionDeny, contracts.ScopePrivate, "request_passport_view", 0.5)
	if got != contracts.DecisionEscalate {
		t.Errorf("private+gdpr = %s, want escalate", got)
	}
	got = r.Apply("us-west2", contracts.DecisionDeny, contracts.ScopePrivate, "request_passport_view", 0.5)
	if got != contracts.DecisionEscalate {
		t.Errorf("private+ccpa = %s, want escalate", got)
	}
	// No regime: the base decision stands.
	got = r.Apply("us-east1", contracts.DecisionDeny, contracts.ScopePrivate, "request_passport_view", 0.5)
	if got != contracts.DecisionDeny {
		t.Errorf("private without regime = %s, want deny", got)
	}
}

func TestUnknownRegionKeepsBaseExceptPrivate(t *testing.T) {
	r := loadDefaults(t)

	if got := r.Apply("zz-nowhere9", contracts.DecisionAllow, contracts.ScopePublic, "view_face", 0.5); got != contracts.DecisionAllow {
		t.Errorf("unknown region public = %s, want allow", got)
	}
	if got := r.Apply("zz-nowhere9", contracts.DecisionAllow, contracts.ScopePrivate, "view_face", 0.5); got != contracts.DecisionEscalate {
		t.Errorf("unknown region private = %s, want escalate", got)
	}
}

func TestEmbargoDenies(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "embargo.yaml", `schema_version: "1.0.0"
region_code: xx-blocked1
privacy_regime: none
embargoed: true
`)
	r, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := r.Apply("xx-blocked1", contracts.DecisionAllow, contracts.ScopePublic, "view_face", 0.9); got != contracts.DecisionDeny {
		t.Errorf("embargoed region = %s, want deny", got)
	}
}

func TestRequiresHumanReviewEscalates(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "review.yaml", `schema_version: "1.0.0"
region_code: xx-review1
privacy_regime: none
requires_human_review: true
`)
	r, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := r.Apply("xx-review1", contracts.DecisionAllow, contracts.ScopePublic, "view_face", 0.9); got != contracts.DecisionEscalate {
		t.Errorf("review region = %s, want escalate", got)
	}
}

func TestOverlayTightensOnly(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "overlay.yaml", `schema_version: "1.0.0"
region_code: xx-strict1
privacy_regime: none
overlay: "viewer_trust < 0.2 ? 'deny' : 'allow'"
`)
	r, err := Load(dir, testLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := r.Apply("xx-strict1", contracts.DecisionAllow, contracts.ScopePublic, "view_face", 0.1); got != contracts.DecisionDeny {
		t.Errorf("low-trust overlay = %s, want deny", got)
	}
	if got := r.Apply("xx-strict1", contracts.DecisionAllow, contracts.ScopePublic, "view_face", 0.9); got != contracts.DecisionAllow {
		t.Errorf("high-trust overlay = %s, want allow", got)
	}
	// 'allow' from the overlay cannot loosen an escalate.
	if got := r.Apply("xx-strict1", contracts.DecisionEscalate, contracts.ScopePublic, "view_face", 0.9); got != contracts.DecisionEscalate {
		t.Errorf("overlay loosened escalate to %s", got)
	}
}

func TestOverlayCompileErrorFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "broken.yaml", `schema_version: "1.0.0"
region_code: xx-broken1
privacy_regime: none
overlay: "this is not CEL ((("
`)
	if _, err := Load(dir, testLogger()); err == nil {
		t.Fatal("Load() accepted a document with an uncompilable overlay")
	}
}

func TestSchemaRejectsMalformedDocs(t *testing.T) {
	cases := map[string]string{
		"bad_regime.yaml": `schema_version: "1.0.0"
region_code: xx-test1
privacy_regime: hipaa
`,
		"bad_code.yaml": `schema_version: "1.0.0"
region_code: NOT_A_REGION
privacy_regime: none
`,
		"missing_version.yaml": `region_code: xx-test1
privacy_regime: none
`,
	}
	for name, body := range cases {
		dir := t.TempDir()
		writeDoc(t, dir, name, body)
		if _, err := Load(dir, testLogger()); err == nil {
			t.Errorf("%s: Load() accepted malformed document", name)
		}
	}
}

func TestSemverGateRejectsFutureMajor(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "future.yaml", `schema_version: "2.0.0"
region_code: xx-future1
privacy_regime: none
`)
	if _, err := Load(dir, testLogger()); err == nil {
		t.Fatal("Load() accepted incompatible schema_version 2.0.0")
	}
}

func TestDuplicateRegionCodeFailsLoad(t *testing.T) {
	dir := t.TempDir()
	doc := `schema_version: "1.0.0"
region_code: xx-dup1
privacy_regime: none
`
	writeDoc(t, dir, "a.yaml", doc)
	writeDoc(t, dir, "b.yaml", doc)
	if _, err := Load(dir, testLogger()); err == nil {
		t.Fatal("Load() accepted duplicate region_code")
	}
}

func TestDigestIsStablePerDocument(t *testing.T) {
	a := loadDefaults(t)
	b := loadDefaults(t)
	if a.Digest("us-east1") != b.Digest("us-east1") {
		t.Error("digest differs across identical loads")
	}
	if a.Digest("us-east1") == a.Digest("eu-west1") {
		t.Error("distinct documents share a digest")
	}
}
