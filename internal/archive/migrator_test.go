package archive

import (
	"strings"
	"testing"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(migrations))
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Errorf("migrations not strictly ordered: %d then %d",
				migrations[i-1].Version, migrations[i].Version)
		}
	}

	if migrations[0].Name != "create_incident_snapshots" {
		t.Errorf("first migration = %q, want create_incident_snapshots", migrations[0].Name)
	}
	if !strings.Contains(migrations[0].SQL, "incident_snapshots") {
		t.Error("first migration should create incident_snapshots")
	}
	if !strings.Contains(migrations[1].SQL, "evidence") {
		t.Error("second migration should create evidence")
	}
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "two statements",
			sql:  "CREATE TABLE a (x Int32); CREATE TABLE b (y Int32);",
			want: []string{"CREATE TABLE a (x Int32)", "CREATE TABLE b (y Int32)"},
		},
		{
			name: "semicolon inside string",
			sql:  "INSERT INTO t VALUES ('a;b'); SELECT 1;",
			want: []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name: "no trailing semicolon",
			sql:  "SELECT 1",
			want: []string{"SELECT 1"},
		},
		{
			name: "empty",
			sql:  " ;; ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitStatements(tt.sql)
			if len(got) != len(tt.want) {
				t.Fatalf("splitStatements() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("statement %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
