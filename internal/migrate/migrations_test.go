package migrate_test

import (
	"testing"

	"coordline/internal/db"
	"coordline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	applied, err := migrate.Status(conn)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(applied) == 0 || applied[0].Version != 1 {
		t.Fatalf("unexpected ledger: %+v", applied)
	}
	for i := 1; i < len(applied); i++ {
		if applied[i].Version <= applied[i-1].Version {
			t.Fatalf("ledger out of order: %+v", applied)
		}
	}
}
