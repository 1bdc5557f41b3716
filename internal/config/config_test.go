package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creditrail.json")
	raw := `{
		"ledger": {"rpc_url": "http://127.0.0.1:8545", "pool_contract": "0x5FbDB2315678afecb367f032d93F642f64180aa3"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address = %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("storage driver = %q", cfg.Storage.Driver)
	}
	if cfg.Signing.PrivateKeyEnv != "CREDITRAIL_SIGNER_KEY" || cfg.Signing.ProtocolName != "CreditRail" {
		t.Fatalf("signing defaults = %+v", cfg.Signing)
	}
	if cfg.Offers.DefaultTTLSeconds != 300 || cfg.Offers.DefaultScanChunk != 25 {
		t.Fatalf("offer defaults = %+v", cfg.Offers)
	}
	if cfg.Ledger.ClockCacheTTLSeconds != 5 {
		t.Fatalf("clock ttl = %d", cfg.Ledger.ClockCacheTTLSeconds)
	}
	// Relative facility paths resolve against the config directory.
	if want := filepath.Join(dir, "facilities.yaml"); cfg.Ledger.FacilitiesDefinitions != want {
		t.Fatalf("facilities path = %q, want %q", cfg.Ledger.FacilitiesDefinitions, want)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creditrail.json")
	raw := `{
		"server": {"address": ":9090"},
		"storage": {"driver": "mysql", "dsn": "user:pass@tcp(db:3306)/creditrail"},
		"ledger": {"facilities_definitions": "/etc/creditrail/facilities.yaml"},
		"offers": {"default_ttl_seconds": 120}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Storage.Driver != "mysql" {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Offers.DefaultTTLSeconds != 120 {
		t.Fatalf("offer ttl = %d", cfg.Offers.DefaultTTLSeconds)
	}
	if cfg.Ledger.FacilitiesDefinitions != "/etc/creditrail/facilities.yaml" {
		t.Fatalf("absolute facilities path rewritten: %q", cfg.Ledger.FacilitiesDefinitions)
	}
}
