package users

import (
	"os"
	"path/filepath"
	"testing"
)

func openSeeded(t *testing.T, dir string) *Store {
	t.Helper()
	seeds := []Seed{
		{Name: "alice", Credential: "alice-pass", Tier: "basic"},
		{Name: "bob", Credential: "bob-pass", Tier: "pro"},
	}
	store, err := Open(dir, seeds, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestSeedBootstrap(t *testing.T) {
	dir := t.TempDir()
	store := openSeeded(t, dir)

	rec, ok := store.Lookup("alice")
	if !ok {
		t.Fatal("alice not found after seeding")
	}
	if rec.Tier != "basic" || !rec.Active {
		t.Errorf("alice record = %+v", rec)
	}
	if rec.Credential == "alice-pass" {
		t.Error("credential stored in plaintext")
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.toml")); err != nil {
		t.Errorf("alice.toml not persisted: %v", err)
	}
}

func TestSeedsIgnoredWhenDirectoryPopulated(t *testing.T) {
	dir := t.TempDir()
	openSeeded(t, dir)

	// Re-open with a different seed list: the on-disk records are
	// authoritative and the seed must not apply.
	store, err := Open(dir, []Seed{{Name: "mallory", Credential: "x", Tier: "premium"}}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.Lookup("mallory"); ok {
		t.Error("seed applied over populated directory")
	}
	if _, ok := store.Lookup("alice"); !ok {
		t.Error("alice lost on reload")
	}
}

func TestVerify(t *testing.T) {
	store := openSeeded(t, t.TempDir())

	if got := store.Verify("alice", "alice-pass"); got != Valid {
		t.Errorf("valid login = %v", got)
	}
	if got := store.Verify("alice", "wrong"); got != BadCredential {
		t.Errorf("bad credential = %v", got)
	}
	if got := store.Verify("nobody", "x"); got != Unknown {
		t.Errorf("unknown user = %v", got)
	}

	if _, err := store.SetActive("alice", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if got := store.Verify("alice", "alice-pass"); got != Disabled {
		t.Errorf("disabled user = %v", got)
	}
}

func TestMalformedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.toml"), []byte("not toml at {{{"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := openSeeded(t, dir)
	if _, ok := store.Lookup("broken"); ok {
		t.Error("malformed record loaded")
	}
	// Seeding still ran because no record was readable.
	if _, ok := store.Lookup("alice"); !ok {
		t.Error("seeding skipped despite empty usable directory")
	}
}

func TestSetActivePersists(t *testing.T) {
	dir := t.TempDir()
	store := openSeeded(t, dir)
	if _, err := store.SetActive("bob", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	reloaded, err := Open(dir, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, ok := reloaded.Lookup("bob")
	if !ok {
		t.Fatal("bob missing after reload")
	}
	if rec.Active {
		t.Error("deactivation not persisted")
	}
}

func TestSetActiveUnknown(t *testing.T) {
	store := openSeeded(t, t.TempDir())
	if _, err := store.SetActive("ghost", true); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestHashRoundTrip(t *testing.T) {
	digest, err := HashCredential("s3cret")
	if err != nil {
		t.Fatalf("HashCredential: %v", err)
	}
	ok, err := VerifyCredential(digest, "s3cret")
	if err != nil || !ok {
		t.Errorf("verify correct credential: ok=%v err=%v", ok, err)
	}
	ok, err = VerifyCredential(digest, "wrong")
	if err != nil || ok {
		t.Errorf("verify wrong credential: ok=%v err=%v", ok, err)
	}
}

func TestHashUniqueSalts(t *testing.T) {
	a, _ := HashCredential("same")
	b, _ := HashCredential("same")
	if a == b {
		t.Error("two hashes of the same credential share a salt")
	}
}

func TestVerifyCredentialMalformed(t *testing.T) {
	if _, err := VerifyCredential("plaintext", "x"); err == nil {
		t.Error("expected error for non-PHC digest")
	}
}
