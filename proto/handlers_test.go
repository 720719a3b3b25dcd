package proto

import "testing"

func TestNegotiateVersionCompatiblePrefersLowerCurrent(t *testing.T) {
	local := ProtocolVersionRange{Current: 3, Min: 1, Max: 3}
	got, ok := negotiateVersion(local, VersionPolicyCompatible, 2, 1, 3)
	if !ok || got != 2 {
		t.Fatalf("negotiateVersion = (%d, %v), want (2, true)", got, ok)
	}
}

func TestNegotiateVersionCompatibleNoOverlapFails(t *testing.T) {
	local := ProtocolVersionRange{Current: 3, Min: 3, Max: 3}
	_, ok := negotiateVersion(local, VersionPolicyCompatible, 1, 1, 1)
	if ok {
		t.Fatal("expected no overlap to fail negotiation")
	}
}

func TestNegotiateVersionStrictRejectsOffCurrentPeer(t *testing.T) {
	local := ProtocolVersionRange{Current: 3, Min: 1, Max: 3}
	if _, ok := negotiateVersion(local, VersionPolicyStrict, 1, 1, 2); ok {
		t.Fatal("strict policy must reject a peer whose overlap excludes the local Current")
	}
	got, ok := negotiateVersion(local, VersionPolicyStrict, 1, 1, 3)
	if !ok || got != 3 {
		t.Fatalf("negotiateVersion = (%d, %v), want (3, true) when overlap includes Current", got, ok)
	}
}

func TestNegotiateVersionPermissiveAcceptsDisjointRanges(t *testing.T) {
	local := ProtocolVersionRange{Current: 3, Min: 3, Max: 3}
	got, ok := negotiateVersion(local, VersionPolicyPermissive, 1, 1, 1)
	if !ok || got != 1 {
		t.Fatalf("negotiateVersion = (%d, %v), want (1, true): permissive must trust the peer's declared current", got, ok)
	}
}
