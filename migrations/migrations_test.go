package migrations_test

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/jmerrifield20/auditledger/migrations"
)

func TestVersionFromFile(t *testing.T) {
	tests := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_audit_ledger.up.sql", 1, false},
		{"012_indexes.up.sql", 12, false},
		{"nounderscore.sql", 0, true},
		{"abc_x.up.sql", 0, true},
	}
	for _, tt := range tests {
		got, err := migrations.VersionFromFile(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("VersionFromFile(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("VersionFromFile(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestEmbeddedSchemaDefinesLedgerTables(t *testing.T) {
	b, err := fs.ReadFile(migrations.FS(), "001_audit_ledger.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	sql := string(b)
	for _, table := range []string{"audit_events", "merkle_accumulator", "merkle_snapshots"} {
		if !strings.Contains(sql, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

func TestEmbeddedSchemaStoresPayloadAsText(t *testing.T) {
	b, err := fs.ReadFile(migrations.FS(), "002_payload_text.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "ALTER COLUMN payload TYPE TEXT") {
		t.Errorf("payload column is not converted to TEXT:\n%s", b)
	}
}
