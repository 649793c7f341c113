package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "rollcall.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	bdg, err := OpenBadger("")
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	all := map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
		"badger": bdg,
	}
	t.Cleanup(func() {
		for _, s := range all {
			_ = s.Close()
		}
	})
	return all
}

func TestStore(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			testPutGet(t, s)
			testIndexes(t, s)
			testDelete(t, s)
			testCollectionsAreIndependent(t, s)
			testKeys(t, s)
		})
	}
}

func testPutGet(t *testing.T, s Store) {
	ctx := context.Background()

	if _, found, err := s.Get(ctx, Students, "NOBODY"); err != nil || found {
		t.Fatalf("Get(missing) = found %v, err %v; want not found, nil", found, err)
	}

	rec := Record{Key: "JANE_DOE", Indexes: map[string]string{"owner": "a@x"}, Doc: []byte(`{"v":1}`)}
	if err := s.Put(ctx, Students, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rec.Doc = []byte(`{"v":2}`)
	if err := s.Put(ctx, Students, rec); err != nil {
		t.Fatalf("Put() on existing key error = %v", err)
	}

	doc, found, err := s.Get(ctx, Students, "JANE_DOE")
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if string(doc) != `{"v":2}` {
		t.Errorf("Get() doc = %s, want upserted value", doc)
	}

	all, err := s.GetAll(ctx, Students)
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAll() len = %d, want 1", len(all))
	}
}

func testIndexes(t *testing.T, s Store) {
	ctx := context.Background()
	put := func(key, owner string) {
		t.Helper()
		err := s.Put(ctx, Classes, Record{Key: key, Indexes: map[string]string{"owner": owner}, Doc: []byte(`"` + key + `"`)})
		if err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}
	put("c1", "alice")
	put("c2", "alice")
	put("c3", "bob")
	// moving c2 to bob must drop its alice index entry
	put("c2", "bob")

	tests := []struct {
		owner string
		want  []string
	}{
		{owner: "alice", want: []string{`"c1"`}},
		{owner: "bob", want: []string{`"c2"`, `"c3"`}},
		{owner: "carol", want: nil},
	}
	for _, tt := range tests {
		docs, err := s.GetByIndex(ctx, Classes, "owner", tt.owner)
		if err != nil {
			t.Fatalf("GetByIndex(%s) error = %v", tt.owner, err)
		}
		got := make([]string, 0, len(docs))
		for _, d := range docs {
			got = append(got, string(d))
		}
		sort.Strings(got)
		if len(got) != len(tt.want) {
			t.Fatalf("GetByIndex(%s) = %v, want %v", tt.owner, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("GetByIndex(%s) = %v, want %v", tt.owner, got, tt.want)
			}
		}
	}
}

func testDelete(t *testing.T, s Store) {
	ctx := context.Background()

	if err := s.Delete(ctx, NFCRegistry, "NEVER_THERE"); err != nil {
		t.Fatalf("Delete(missing) error = %v, want nil", err)
	}
	rec := Record{Key: "04A1B2", Indexes: map[string]string{"studentId": "JANE_DOE"}, Doc: []byte(`{}`)}
	if err := s.Put(ctx, NFCRegistry, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, NFCRegistry, "04A1B2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, found, _ := s.Get(ctx, NFCRegistry, "04A1B2"); found {
		t.Error("Get() after Delete found record")
	}
	docs, err := s.GetByIndex(ctx, NFCRegistry, "studentId", "JANE_DOE")
	if err != nil {
		t.Fatalf("GetByIndex() error = %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("GetByIndex() after Delete = %d docs, want 0", len(docs))
	}
}

func testCollectionsAreIndependent(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Put(ctx, Sessions, Record{Key: "JANE_DOE", Doc: []byte(`"session"`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	doc, found, err := s.Get(ctx, Students, "JANE_DOE")
	if err != nil || !found {
		t.Fatalf("Get() = found %v, err %v", found, err)
	}
	if string(doc) == `"session"` {
		t.Error("writing sessions overwrote a student with the same key")
	}
}

func testKeys(t *testing.T, s Store) {
	ctx := context.Background()
	for _, key := range []string{"zeta", "alpha", "mid"} {
		if err := s.Put(ctx, "ledger", Record{Key: key, Doc: []byte(`{}`)}); err != nil {
			t.Fatalf("Put(%s) error = %v", key, err)
		}
	}
	if err := s.Put(ctx, Classes, Record{Key: "other", Doc: []byte(`{}`)}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "ledger", "mid"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	keys, err := s.Keys(ctx, "ledger")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "zeta" {
		t.Errorf("Keys() = %v, want [alpha zeta]", keys)
	}
}
