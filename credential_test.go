package netbroker

import (
	"testing"
)

func TestHashPasswordAndVerify(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt failed: %v", err)
	}
	key := HashPassword("hunter2", salt)
	if len(key) != pbkdf2KeySize {
		t.Fatalf("expected %d byte key, got %d", pbkdf2KeySize, len(key))
	}
	if !VerifyPassword("hunter2", salt, key) {
		t.Fatalf("expected password to verify")
	}
	if VerifyPassword("wrong", salt, key) {
		t.Fatalf("expected wrong password to fail verification")
	}
}

func TestHostnameBackend(t *testing.T) {
	b := NewHostnameBackend([]string{"127.0.0.1", "localhost"})
	if !b.CheckHostname("localhost") {
		t.Fatalf("expected localhost to be allowed")
	}
	if b.CheckHostname("evil.example") {
		t.Fatalf("expected unknown hostname to be rejected")
	}
	if b.Mode() != AuthHostname {
		t.Fatalf("expected AuthHostname mode")
	}
}

func TestFingerprintBackend(t *testing.T) {
	b := NewFingerprintBackend([]string{"AA:BB:CC", "11:22:33"})
	if !b.CheckFingerprint("aa:bb:cc") {
		t.Fatalf("expected a case-insensitive match")
	}
	if b.CheckFingerprint("dd:ee:ff") {
		t.Fatalf("expected an unknown fingerprint to be rejected")
	}
	if b.Mode() != AuthFingerprint {
		t.Fatalf("expected AuthFingerprint mode")
	}
}

func TestSqliteBackendUserLifecycle(t *testing.T) {
	b, err := OpenSqliteBackend(":memory:")
	if err != nil {
		t.Fatalf("OpenSqliteBackend failed: %v", err)
	}
	defer b.Close()

	if err = b.InsertUser("alice", "s3cret", true); err != nil {
		t.Fatalf("InsertUser failed: %v", err)
	}
	if err = b.InsertUser("alice", "s3cret", true); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}

	admin, err := b.Authenticate("alice", "s3cret")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if !admin {
		t.Fatalf("expected alice to be an admin")
	}

	if _, err = b.Authenticate("alice", "wrong"); err == nil {
		t.Fatalf("expected authentication failure with wrong password")
	}

	if err = b.DeleteUser("alice"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}
	if err = b.DeleteUser("alice"); err == nil {
		t.Fatalf("expected deleting a missing user to fail")
	}
}

func TestSqliteBackendHostnames(t *testing.T) {
	b, err := OpenSqliteBackend(":memory:")
	if err != nil {
		t.Fatalf("OpenSqliteBackend failed: %v", err)
	}
	defer b.Close()

	if err = b.InsertHostname("192.168.1.5"); err != nil {
		t.Fatalf("InsertHostname failed: %v", err)
	}
	if !b.CheckHostname("192.168.1.5") {
		t.Fatalf("expected hostname to be allowed after insert")
	}
	if err = b.DeleteHostname("192.168.1.5"); err != nil {
		t.Fatalf("DeleteHostname failed: %v", err)
	}
	if b.CheckHostname("192.168.1.5") {
		t.Fatalf("expected hostname to be rejected after delete")
	}
}
