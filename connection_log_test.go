package netbroker

import "testing"

func TestConnectionLogWrapsAtCapacity(t *testing.T) {
	l := NewConnectionLog(2)

	l.Record("10.0.0.1:1", "connected", "")
	l.Record("10.0.0.2:2", "connected", "")
	l.Record("10.0.0.3:3", "rejected", "untrusted hostname")

	recent := l.Recent()
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries after wrapping, got %d", len(recent))
	}
	if recent[0].Address != "10.0.0.2:2" || recent[1].Address != "10.0.0.3:3" {
		t.Fatalf("expected the oldest entry to have been evicted, got %+v", recent)
	}
	if recent[1].Reason != "untrusted hostname" {
		t.Fatalf("expected the reason to be preserved, got %q", recent[1].Reason)
	}
}

func TestConnectionLogEmpty(t *testing.T) {
	l := NewConnectionLog(4)
	if recent := l.Recent(); len(recent) != 0 {
		t.Fatalf("expected no entries, got %+v", recent)
	}
}
