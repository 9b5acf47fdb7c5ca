package firewall

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Mindburn-Labs/helm/proposals/pkg/contracts"
)

const deploySchema = `{
	"type": "object",
	"properties": {
		"image": {"type": "string", "minLength": 1},
		"replicas": {"type": "integer", "minimum": 1, "maximum": 10}
	},
	"required": ["image"],
	"additionalProperties": false
}`

func proposal(typ string, payload map[string]any) *contracts.Proposal {
	return contracts.MustProposal(contracts.ProposalSpec{Type: typ, Priority: contracts.PriorityNormal, Payload: payload})
}

func TestFirewall_BlockUnknown(t *testing.T) {
	fw := New()
	if err := fw.AllowType("deploy", ""); err != nil {
		t.Fatalf("allow type failed: %v", err)
	}
	err := fw.Check(proposal("rm -rf", nil))
	if !errors.Is(err, contracts.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
}

func TestFirewall_EmptyIsFailClosed(t *testing.T) {
	if err := New().Check(proposal("deploy", nil)); err == nil {
		t.Fatal("expected an empty firewall to block")
	}
}

func TestFirewall_SchemaValidation(t *testing.T) {
	fw := New()
	if err := fw.AllowType("deploy", deploySchema); err != nil {
		t.Fatalf("allow type failed: %v", err)
	}

	if err := fw.Check(proposal("deploy", map[string]any{"image": "api:v2", "replicas": 3})); err != nil {
		t.Errorf("expected valid payload to pass, got %v", err)
	}

	bad := []map[string]any{
		nil,
		{"image": ""},
		{"image": "api:v2", "replicas": 50},
		{"image": "api:v2", "extra": true},
	}
	for _, payload := range bad {
		if err := fw.Check(proposal("deploy", payload)); !errors.Is(err, contracts.ErrBlocked) {
			t.Errorf("payload %v: expected ErrBlocked, got %v", payload, err)
		}
	}

	st := fw.Stats()
	if st.Passed != 1 || st.Blocked != 4 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestFirewall_InvalidSchema(t *testing.T) {
	if err := New().AllowType("deploy", `{"type": 12}`); err == nil {
		t.Fatal("expected compile error")
	}
	if err := New().AllowType("", ""); err == nil {
		t.Fatal("expected error for empty type")
	}
}

func TestFirewall_ProvenanceMismatch(t *testing.T) {
	fw := New()
	_ = fw.AllowType("deploy", "")
	p := proposal("deploy", map[string]any{"image": "a"})
	p.Payload["image"] = "tampered"
	if err := fw.Check(p); !errors.Is(err, contracts.ErrBlocked) {
		t.Fatalf("expected provenance block, got %v", err)
	}
}

func TestFirewall_FromRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.json")
	if err := os.WriteFile(path, []byte(deploySchema), 0o600); err != nil {
		t.Fatal(err)
	}
	fw, err := FromRules([]Rule{
		{Type: "deploy", SchemaFile: path},
		{Type: "noop"},
	})
	if err != nil {
		t.Fatalf("FromRules: %v", err)
	}
	if err := fw.Check(proposal("noop", map[string]any{"anything": 1})); err != nil {
		t.Errorf("noop should pass: %v", err)
	}
	if err := fw.Check(proposal("deploy", map[string]any{"replicas": 2})); err == nil {
		t.Error("deploy without image should be blocked")
	}

	if _, err := FromRules([]Rule{{Type: "x", SchemaFile: filepath.Join(dir, "missing.json")}}); err == nil {
		t.Error("expected error for missing schema file")
	}
}
