package store

import (
	"context"
	"testing"
)

func TestAdminIntrospection(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	v, err := st.SchemaVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v == 0 {
		t.Fatal("expected a positive schema version after Open's migrations run")
	}

	hist, err := st.MigrationHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != v {
		t.Fatalf("expected %d migration records, got %d", v, len(hist))
	}

	stats, err := st.TableStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["repository"] != 0 {
		t.Fatalf("expected empty repository table, got %d", stats["repository"])
	}

	seedRepo(t, st, "repo-a")
	stats, err = st.TableStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats["repository"] != 1 {
		t.Fatalf("expected 1 repository, got %d", stats["repository"])
	}

	violations, err := st.VerifyForeignKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(violations) != 0 {
		t.Fatalf("expected no foreign key violations, got %+v", violations)
	}
}
