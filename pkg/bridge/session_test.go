package bridge

import (
	"log/slog"
	"testing"
	"time"

	"github.com/kabili207/mesh-node-bridge/pkg/store"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	stores, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return stores
}

func TestPasskeyExpiry(t *testing.T) {
	stores := openTestStores(t)
	s := NewSession(stores.Settings, testLogger())
	defer s.Close()

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	s.SetPasskey(0x1234, []byte{1, 2, 3, 4})

	clock = base.Add(289 * time.Second)
	if key, ok := s.Passkey(0x1234); !ok {
		t.Fatal("passkey should still be valid at T+289s")
	} else if len(key) != 4 {
		t.Fatalf("unexpected passkey %v", key)
	}

	clock = base.Add(291 * time.Second)
	if _, ok := s.Passkey(0x1234); ok {
		t.Fatal("passkey should be expired at T+291s")
	}

	// A second lookup after expiry is still a miss.
	if _, ok := s.Passkey(0x1234); ok {
		t.Fatal("expired passkey should stay evicted")
	}
}

func TestPasskeyUnknownNode(t *testing.T) {
	stores := openTestStores(t)
	s := NewSession(stores.Settings, testLogger())
	defer s.Close()

	if _, ok := s.Passkey(0x9999); ok {
		t.Fatal("expected miss for node without a passkey")
	}
}

func TestIdentityLifecycle(t *testing.T) {
	stores := openTestStores(t)
	s := NewSession(stores.Settings, testLogger())
	defer s.Close()

	if _, ok := s.Local(); ok {
		t.Fatal("identity should start unknown")
	}

	s.ApplyBootstrap(0x0a1b2c3d, 3)
	local, ok := s.Local()
	if !ok {
		t.Fatal("bootstrap should make the identity provisional")
	}
	if local.NodeID != "!0a1b2c3d" || local.RebootCount != 3 {
		t.Fatalf("unexpected identity %+v", local)
	}
	if s.Locked() {
		t.Fatal("identity must not lock from bootstrap alone")
	}

	// The firmware placeholder name does not lock the identity.
	s.ApplyNodeInfo(0x0a1b2c3d, "Meshtastic 2c3d", "2c3d", "TBEAM")
	if s.Locked() {
		t.Fatal("default name must not lock the identity")
	}

	s.ApplyNodeInfo(0x0a1b2c3d, "Base Station", "BASE", "TBEAM")
	if !s.Locked() {
		t.Fatal("real name should lock the identity")
	}

	// Locked names are frozen.
	s.ApplyNodeInfo(0x0a1b2c3d, "Imposter", "IMP", "")
	local, _ = s.Local()
	if local.LongName != "Base Station" {
		t.Fatalf("locked identity changed to %q", local.LongName)
	}

	// Reboot count still refreshes while locked.
	s.ApplyBootstrap(0x0a1b2c3d, 4)
	local, _ = s.Local()
	if local.RebootCount != 4 {
		t.Fatalf("reboot count = %d, want 4", local.RebootCount)
	}
}

func TestIdentityClearAndRestore(t *testing.T) {
	stores := openTestStores(t)
	s := NewSession(stores.Settings, testLogger())
	defer s.Close()

	s.ApplyBootstrap(0x0a1b2c3d, 1)
	s.ApplyNodeInfo(0x0a1b2c3d, "Base Station", "BASE", "TBEAM")
	if !s.Locked() {
		t.Fatal("expected locked identity")
	}

	s.Clear()
	if _, ok := s.Local(); ok {
		t.Fatal("identity should be unknown after clear")
	}

	// A fresh session restores the persisted identity, unlocked.
	s2 := NewSession(stores.Settings, testLogger())
	defer s2.Close()
	if err := s2.Restore(); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	local, ok := s2.Local()
	if !ok || local.LongName != "Base Station" {
		t.Fatalf("restored identity %+v", local)
	}
	if s2.Locked() {
		t.Fatal("restored identity must be provisional, not locked")
	}
}

func TestNodeInfoOtherNodeIgnored(t *testing.T) {
	stores := openTestStores(t)
	s := NewSession(stores.Settings, testLogger())
	defer s.Close()

	s.ApplyBootstrap(0x0a1b2c3d, 1)
	s.ApplyNodeInfo(0x99999999, "Someone Else", "ELSE", "HELTEC")

	local, _ := s.Local()
	if local.LongName != "" {
		t.Fatalf("identity took names from another node: %+v", local)
	}
}
