package activity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"creditrail/internal/ledger"
)

const facilityYAML = `
facilities:
  pool-main:
    contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
    start_block: 100
    confirmation_depth: 5
    chunk_size: 500
    interval_seconds: 30
  vault-main:
    contract: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
    start_block: 120
    collateral: true
`

func writeFacilityFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facilities.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write facility file: %v", err)
	}
	return path
}

func TestLoadFacilityDefinitions(t *testing.T) {
	defs, err := LoadFacilityDefinitions(writeFacilityFile(t, facilityYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(defs.Facilities) != 2 {
		t.Fatalf("got %d facilities, want 2", len(defs.Facilities))
	}

	pool, err := defs.Facilities["pool-main"].Facility("pool-main")
	if err != nil {
		t.Fatalf("resolve pool: %v", err)
	}
	if pool.Contract != testContract || pool.StartBlock != 100 || pool.ConfirmationDepth != 5 {
		t.Fatalf("pool = %+v", pool)
	}
	if pool.ChunkSize != 500 || pool.Interval != 30*time.Second {
		t.Fatalf("pool overrides not applied: %+v", pool)
	}
	if kinds := pool.EventKinds(); len(kinds) != 3 || kinds[0] != ledger.KindLoanExecuted {
		t.Fatalf("pool kinds = %v", kinds)
	}

	vault, err := defs.Facilities["vault-main"].Facility("vault-main")
	if err != nil {
		t.Fatalf("resolve vault: %v", err)
	}
	if !vault.Collateral {
		t.Fatal("vault not marked collateral")
	}
	// Omitted fields fall back to defaults.
	if vault.ChunkSize != 2000 || vault.Interval != 15*time.Second {
		t.Fatalf("vault defaults not applied: %+v", vault)
	}
	if kinds := vault.EventKinds(); len(kinds) != 2 || kinds[0] != ledger.KindPositionOpened {
		t.Fatalf("vault kinds = %v", kinds)
	}
}

func TestLoadFacilityDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadFacilityDefinitions("")
	if err != nil {
		t.Fatalf("load empty path: %v", err)
	}
	if len(defs.Facilities) != 0 {
		t.Fatalf("got %d facilities, want 0", len(defs.Facilities))
	}
}

func TestFacilityRejectsBadContract(t *testing.T) {
	def := FacilityDefinition{Contract: "not-an-address", StartBlock: 1}
	if _, err := def.Facility("broken"); err == nil {
		t.Fatal("expected invalid contract address to be rejected")
	}
}
