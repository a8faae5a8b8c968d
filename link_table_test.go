package netbroker

import "testing"

func TestLinkTableLinkAndUnlinkIsIdempotent(t *testing.T) {
	lt := NewLinkTable()
	svc := fakeSession("10.0.0.9:9000")
	if err := lt.RegisterService("Ticker", svc, NewServiceIdentity("Ticker", nil, -1), -1); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	before := lt.LinkedClients("Ticker")
	if _, err := lt.Link("client-a", "Ticker"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if err := lt.Unlink("client-a", "Ticker"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	after := lt.LinkedClients("Ticker")
	if len(before) != 0 || len(after) != 0 {
		t.Fatalf("expected link table to be unchanged after link+unlink, before=%v after=%v", before, after)
	}
}

func TestLinkTableMaxClients(t *testing.T) {
	lt := NewLinkTable()
	svc := fakeSession("10.0.0.9:9000")
	if err := lt.RegisterService("Ticker", svc, NewServiceIdentity("Ticker", nil, 1), 1); err != nil {
		t.Fatalf("RegisterService failed: %v", err)
	}

	if _, err := lt.Link("client-a", "Ticker"); err != nil {
		t.Fatalf("first link should succeed: %v", err)
	}
	if _, err := lt.Link("client-b", "Ticker"); err == nil {
		t.Fatalf("expected second link to fail with max-clients-reached")
	}

	if err := lt.Unlink("client-a", "Ticker"); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := lt.Link("client-b", "Ticker"); err != nil {
		t.Fatalf("retry after unlink should succeed: %v", err)
	}
}

func TestLinkTableExclusiveLock(t *testing.T) {
	lt := NewLinkTable()
	svc := fakeSession("10.0.0.9:9000")
	lt.RegisterService("Ticker", svc, NewServiceIdentity("Ticker", nil, -1), -1)

	if err := lt.Lock("client-a", "Ticker", LinkExclusive); err != nil {
		t.Fatalf("exclusive lock should succeed: %v", err)
	}
	if _, err := lt.Link("client-b", "Ticker"); err == nil {
		t.Fatalf("expected link from another client to fail while exclusively locked")
	}
	if err := lt.Lock("client-a", "Ticker", LinkExclusive); err != nil {
		t.Fatalf("re-locking by the same holder should be idempotent: %v", err)
	}
}

func TestLinkTableSharedLockRejectsWhileExclusive(t *testing.T) {
	lt := NewLinkTable()
	svc := fakeSession("10.0.0.9:9000")
	lt.RegisterService("Ticker", svc, NewServiceIdentity("Ticker", nil, -1), -1)

	if err := lt.Lock("client-a", "Ticker", LinkExclusive); err != nil {
		t.Fatalf("exclusive lock should succeed: %v", err)
	}
	if err := lt.Lock("client-b", "Ticker", LinkShared); err == nil {
		t.Fatalf("expected shared lock to fail while exclusively locked by another client")
	}
}

func TestLinkTableServiceGoneCascades(t *testing.T) {
	lt := NewLinkTable()
	svc := fakeSession("10.0.0.9:9000")
	lt.RegisterService("Ticker", svc, NewServiceIdentity("Ticker", nil, -1), -1)

	lt.Link("client-a", "Ticker")
	lt.Link("client-b", "Ticker")

	affected := lt.UnregisterService("Ticker")
	if len(affected) != 2 {
		t.Fatalf("expected both linked clients to be reported, got %v", affected)
	}
	if len(lt.ListServices()) != 0 {
		t.Fatalf("expected service directory to be empty after unregister")
	}
}

func TestLinkTablePurgeClient(t *testing.T) {
	lt := NewLinkTable()
	svc := fakeSession("10.0.0.9:9000")
	lt.RegisterService("Ticker", svc, NewServiceIdentity("Ticker", nil, -1), -1)
	lt.Link("client-a", "Ticker")

	purged := lt.PurgeClient("client-a")
	if len(purged) != 1 || purged[0] != "Ticker" {
		t.Fatalf("unexpected purge result %v", purged)
	}
	if lt.IsLinked("client-a", "Ticker") {
		t.Fatalf("expected client-a to no longer be linked")
	}
}
