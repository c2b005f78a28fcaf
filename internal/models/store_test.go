package models

import (
	"encoding/json"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/dockru/dockru/internal/db"
)

func openTestBolt(t *testing.T) *bolt.DB {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func openTestUserStore(t *testing.T) *UserStore {
	t.Helper()
	return NewUserStore(openTestBolt(t))
}

func openTestSettingStore(t *testing.T) *SettingStore {
	t.Helper()
	return NewSettingStore(openTestBolt(t))
}

func openTestAgentStore(t *testing.T) (*AgentStore, *Secrets) {
	t.Helper()
	secrets := NewSecrets("test-master-secret")
	return NewAgentStore(openTestBolt(t), secrets), secrets
}

// --- UserStore ---

func TestUserStoreCreateAndFind(t *testing.T) {
	t.Parallel()
	store := openTestUserStore(t)

	user, err := store.Create("alice", "password123")
	if err != nil {
		t.Fatal(err)
	}
	if user.Username != "alice" {
		t.Errorf("username = %q", user.Username)
	}
	if user.ID == 0 {
		t.Error("expected non-zero ID")
	}

	found, err := store.FindByUsername("alice")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil || found.Username != "alice" {
		t.Fatalf("FindByUsername = %+v", found)
	}

	foundByID, err := store.FindByID(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if foundByID == nil || foundByID.Username != "alice" {
		t.Fatalf("FindByID = %+v", foundByID)
	}

	notFound, err := store.FindByUsername("bob")
	if err != nil {
		t.Fatal(err)
	}
	if notFound != nil {
		t.Error("expected nil for nonexistent user")
	}
}

func TestUserStoreCount(t *testing.T) {
	t.Parallel()
	store := openTestUserStore(t)

	count, err := store.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("initial count = %d, want 0", count)
	}

	store.Create("user1", "pass1pass")
	store.Create("user2", "pass2pass")

	count, err = store.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("count after 2 creates = %d, want 2", count)
	}
}

func TestUserStoreChangePassword(t *testing.T) {
	t.Parallel()
	store := openTestUserStore(t)

	user, err := store.Create("admin", "oldpassword")
	if err != nil {
		t.Fatal(err)
	}

	if !VerifyPassword("oldpassword", user.Password) {
		t.Fatal("old password should verify")
	}

	if err := store.ChangePassword(user.ID, "newpassword"); err != nil {
		t.Fatal(err)
	}

	updated, err := store.FindByUsername("admin")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword("newpassword", updated.Password) {
		t.Error("new password should verify")
	}
	if VerifyPassword("oldpassword", updated.Password) {
		t.Error("old password should no longer verify")
	}
}

func TestPasswordChangeInvalidatesJWT(t *testing.T) {
	t.Parallel()
	store := openTestUserStore(t)

	user, err := store.Create("admin", "oldpassword")
	if err != nil {
		t.Fatal(err)
	}

	token, err := CreateJWT(user, "secret")
	if err != nil {
		t.Fatal(err)
	}

	if err := store.ChangePassword(user.ID, "newpassword"); err != nil {
		t.Fatal(err)
	}
	updated, err := store.FindByUsername("admin")
	if err != nil {
		t.Fatal(err)
	}

	// The token still parses, but its password fingerprint no longer matches
	// the stored hash.
	claims, err := VerifyJWT(token, "secret")
	if err != nil {
		t.Fatal(err)
	}
	if claims.H == Shake256Hex(updated.Password, shake256Length) {
		t.Error("fingerprint should not match after a password change")
	}
}

func TestNeedsRehash(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("password123")
	if err != nil {
		t.Fatal(err)
	}
	if NeedsRehash(hash) {
		t.Error("fresh hash should not need a rehash")
	}

	// A hash at a different cost must be flagged.
	weak := "$2a$08$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"
	if !NeedsRehash(weak) {
		t.Error("cost-8 hash should need a rehash")
	}
}

// --- SettingStore ---

func TestSettingStoreGetSet(t *testing.T) {
	t.Parallel()
	store := openTestSettingStore(t)

	val, err := store.Get("missing")
	if err != nil {
		t.Fatal(err)
	}
	if val != "" {
		t.Errorf("expected empty for missing key, got %q", val)
	}

	if err := store.Set("primaryHostname", "example.com"); err != nil {
		t.Fatal(err)
	}
	val, err = store.Get("primaryHostname")
	if err != nil {
		t.Fatal(err)
	}
	if val != "example.com" {
		t.Errorf("val = %q, want example.com", val)
	}

	if err := store.Set("primaryHostname", "new.example.com"); err != nil {
		t.Fatal(err)
	}
	val, err = store.Get("primaryHostname")
	if err != nil {
		t.Fatal(err)
	}
	if val != "new.example.com" {
		t.Errorf("val = %q, want new.example.com", val)
	}
}

func TestSettingStoreGetBool(t *testing.T) {
	t.Parallel()
	store := openTestSettingStore(t)

	if !store.GetBool("checkUpdate", true) {
		t.Error("missing key should fall back to the default")
	}

	store.Set("checkUpdate", "false")
	if store.GetBool("checkUpdate", true) {
		t.Error("stored false should win over the default")
	}

	store.Set("checkUpdate", "true")
	if !store.GetBool("checkUpdate", false) {
		t.Error("stored true should win over the default")
	}
}

func TestSettingStoreGetAll(t *testing.T) {
	t.Parallel()
	store := openTestSettingStore(t)

	store.Set("key1", "val1")
	store.Set("key2", "val2")

	all, err := store.GetAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 settings, got %d", len(all))
	}
	if all["key1"] != "val1" {
		t.Errorf("key1 = %q", all["key1"])
	}
}

func TestSettingStoreEnsureJWTSecret(t *testing.T) {
	t.Parallel()
	store := openTestSettingStore(t)

	secret1, err := store.EnsureJWTSecret()
	if err != nil {
		t.Fatal(err)
	}
	if secret1 == "" {
		t.Fatal("expected non-empty secret")
	}

	secret2, err := store.EnsureJWTSecret()
	if err != nil {
		t.Fatal(err)
	}
	if secret1 != secret2 {
		t.Error("EnsureJWTSecret is not idempotent")
	}
}

func TestSettingStoreInvalidateCache(t *testing.T) {
	t.Parallel()
	store := openTestSettingStore(t)

	store.Set("key", "cached-value")
	store.Get("key") // populate cache

	store.InvalidateCache()

	val, err := store.Get("key")
	if err != nil {
		t.Fatal(err)
	}
	if val != "cached-value" {
		t.Errorf("val = %q after cache invalidation", val)
	}
}

// --- Secrets ---

func TestSecretsRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewSecrets("master")

	enc, err := s.Encrypt("agent-password")
	if err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(enc) {
		t.Errorf("ciphertext %q missing prefix", enc)
	}

	dec, err := s.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "agent-password" {
		t.Errorf("round trip = %q", dec)
	}
}

func TestSecretsDistinctNonces(t *testing.T) {
	t.Parallel()
	s := NewSecrets("master")

	a, err := s.Encrypt("same")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Encrypt("same")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestSecretsLegacyPlaintextPassthrough(t *testing.T) {
	t.Parallel()
	s := NewSecrets("master")

	dec, err := s.Decrypt("plain-old-password")
	if err != nil {
		t.Fatal(err)
	}
	if dec != "plain-old-password" {
		t.Errorf("legacy passthrough = %q", dec)
	}
}

func TestSecretsWrongKey(t *testing.T) {
	t.Parallel()

	enc, err := NewSecrets("key-a").Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewSecrets("key-b").Decrypt(enc); err == nil {
		t.Error("decrypt with the wrong key should fail")
	}
}

// --- AgentStore ---

func TestAgentStoreAddAndGet(t *testing.T) {
	t.Parallel()
	store, _ := openTestAgentStore(t)

	a, err := store.Add("http://peer:5001", "admin", "secretpass")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == 0 {
		t.Error("expected non-zero ID")
	}
	if !a.Active {
		t.Error("new agent should be active")
	}

	found, err := store.FindByURL("http://peer:5001")
	if err != nil {
		t.Fatal(err)
	}
	if found == nil {
		t.Fatal("expected agent")
	}
	if found.Password != "secretpass" {
		t.Errorf("decrypted password = %q", found.Password)
	}
	if found.Endpoint() != "peer:5001" {
		t.Errorf("endpoint = %q", found.Endpoint())
	}
}

func TestAgentStorePasswordEncryptedAtRest(t *testing.T) {
	t.Parallel()
	store, _ := openTestAgentStore(t)

	if _, err := store.Add("http://peer:5001", "admin", "secretpass"); err != nil {
		t.Fatal(err)
	}

	raw, err := store.RawPassword("http://peer:5001")
	if err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(raw) {
		t.Errorf("stored password %q should carry the encrypted prefix", raw)
	}
	if raw == "secretpass" {
		t.Error("plaintext must not be stored")
	}
}

func TestAgentStoreUpdateCredentials(t *testing.T) {
	t.Parallel()
	store, _ := openTestAgentStore(t)

	if _, err := store.Add("http://peer:5001", "admin", "oldpass"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateCredentials("http://peer:5001", "root", "newpass"); err != nil {
		t.Fatal(err)
	}

	found, err := store.FindByURL("http://peer:5001")
	if err != nil {
		t.Fatal(err)
	}
	if found.Username != "root" || found.Password != "newpass" {
		t.Errorf("after update: %q / %q", found.Username, found.Password)
	}
}

func TestAgentStoreRemove(t *testing.T) {
	t.Parallel()
	store, _ := openTestAgentStore(t)

	if _, err := store.Add("http://peer:5001", "admin", "pass"); err != nil {
		t.Fatal(err)
	}
	if err := store.Remove("http://peer:5001"); err != nil {
		t.Fatal(err)
	}

	found, err := store.FindByURL("http://peer:5001")
	if err != nil {
		t.Fatal(err)
	}
	if found != nil {
		t.Error("agent should be gone")
	}
}

func TestAgentStoreMigratePlaintext(t *testing.T) {
	t.Parallel()

	database := openTestBolt(t)
	secrets := NewSecrets("master")
	store := NewAgentStore(database, secrets)

	// Seed a legacy row with a plaintext password.
	err := database.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(storedAgent{
			ID:       1,
			URL:      "http://legacy:5001",
			Username: "admin",
			Password: "plaintext-pass",
			Active:   true,
		})
		if err != nil {
			return err
		}
		return tx.Bucket(db.BucketAgents).Put([]byte("http://legacy:5001"), data)
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.MigratePlaintext(); err != nil {
		t.Fatal(err)
	}

	raw, err := store.RawPassword("http://legacy:5001")
	if err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(raw) {
		t.Error("migration should encrypt the legacy password")
	}

	found, err := store.FindByURL("http://legacy:5001")
	if err != nil {
		t.Fatal(err)
	}
	if found.Password != "plaintext-pass" {
		t.Errorf("decrypted migrated password = %q", found.Password)
	}

	// Second run must be a no-op.
	if err := store.MigratePlaintext(); err != nil {
		t.Fatal(err)
	}
	raw2, err := store.RawPassword("http://legacy:5001")
	if err != nil {
		t.Fatal(err)
	}
	if raw2 != raw {
		t.Error("idempotent migration should not rewrite encrypted rows")
	}
}

func TestEndpointFromURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		url  string
		want string
	}{
		{"http://host:5001", "host:5001"},
		{"https://example.com", "example.com"},
		{"http://10.0.0.2:5001", "10.0.0.2:5001"},
		{"not a url", ""},
	}
	for _, tc := range cases {
		if got := EndpointFromURL(tc.url); got != tc.want {
			t.Errorf("EndpointFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}
