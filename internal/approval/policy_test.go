package approval

import "testing"

func TestTierFor(t *testing.T) {
	p := NewPolicy(TierSession, map[string]Tier{
		"exec_shell": TierAlways,
		"read_file":  TierAuto,
	})

	tests := []struct {
		tool string
		want Tier
	}{
		{"exec_shell", TierAlways},
		{"read_file", TierAuto},
		{"write_file", TierSession},
	}
	for _, tt := range tests {
		if got := p.TierFor(tt.tool); got != tt.want {
			t.Errorf("TierFor(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

func TestNeedsApproval(t *testing.T) {
	p := NewPolicy(TierSession, map[string]Tier{
		"exec_shell": TierAlways,
		"read_file":  TierAuto,
	})

	if p.NeedsApproval("read_file") {
		t.Error("auto tier should not need approval")
	}
	if !p.NeedsApproval("exec_shell") {
		t.Error("always tier should need approval")
	}
	if !p.NeedsApproval("write_file") {
		t.Error("session tier should need approval before a waiver")
	}
}

func TestWaiverIsMonotonic(t *testing.T) {
	p := NewPolicy(TierSession, nil)

	if !p.NeedsApproval("write_file") {
		t.Fatal("expected approval required before waiver")
	}
	p.Waive("write_file")
	if p.NeedsApproval("write_file") {
		t.Error("waived tool should auto-approve for the rest of the session")
	}
	// Waiving again is a no-op.
	p.Waive("write_file")
	if p.NeedsApproval("write_file") {
		t.Error("double waiver changed the decision")
	}
}

func TestWaiverDoesNotBypassAlwaysTier(t *testing.T) {
	p := NewPolicy(TierSession, map[string]Tier{"exec_shell": TierAlways})
	p.Waive("exec_shell")
	if !p.NeedsApproval("exec_shell") {
		t.Error("always tier must ignore session waivers")
	}
}

func TestParseTier(t *testing.T) {
	for _, valid := range []string{"auto", "Session", " ALWAYS "} {
		if _, err := ParseTier(valid); err != nil {
			t.Errorf("ParseTier(%q) returned error: %v", valid, err)
		}
	}
	if _, err := ParseTier("yolo"); err == nil {
		t.Error("expected error for unknown tier")
	}
}

func TestDefaultTierFallback(t *testing.T) {
	p := NewPolicy("", nil)
	if got := p.TierFor("anything"); got != TierSession {
		t.Errorf("empty default tier = %q, want session", got)
	}
}
