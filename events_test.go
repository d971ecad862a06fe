package tipstream

import (
	"math/big"
	"testing"
)

// Test that each event kind survives an encode/decode round trip with its tag intact
func TestEnvelope_RoundTrip(t *testing.T) {
	tip := TipEvent{
		ID:           "7",
		FromAddress:  "0xA",
		FromUsername: "a",
		ToAddress:    "0xB",
		ToUsername:   "b",
		Amount:       big.NewInt(1000000),
		Message:      "gg",
		Timestamp:    1700000000000,
		TxHash:       "0xdead",
	}

	data, err := EncodeEnvelope(tip)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(TipEvent)
	if !ok {
		t.Fatalf("expected TipEvent, got %T", decoded)
	}
	if got.TxHash != "0xdead" || got.Amount.Cmp(tip.Amount) != 0 || got.Message != "gg" {
		t.Errorf("round trip mangled the event: %+v", got)
	}

	active := true
	profile := ProfileEvent{
		Username:  "alice",
		Action:    ProfileActionReactivated,
		Metadata:  ProfileMetadata{UserAddress: "0xA", IsActive: &active},
		Timestamp: 1700000000001,
		TxHash:    "0xbeef",
	}
	data, err = EncodeEnvelope(profile)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err = DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p, ok := decoded.(ProfileEvent); !ok || p.Action != ProfileActionReactivated {
		t.Errorf("expected reactivated ProfileEvent, got %#v", decoded)
	}
}

// Test that unknown tags and malformed payloads are rejected, not guessed at
func TestEnvelope_RejectsBadInput(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":"mystery_events","payload":{}}`)); err == nil {
		t.Error("unknown event type should fail to decode")
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Error("non-JSON input should fail to decode")
	}
	if _, err := DecodeEnvelope([]byte(`{"type":"tip_events","payload":{"amount":-5}}`)); err == nil {
		t.Error("negative tip amount should fail to decode")
	}
}

// Test that tx hash wins as dedup key and structural hashing covers the rest
func TestDedupKey_Derivation(t *testing.T) {
	withHash := TipEvent{ID: "1", Timestamp: 100, TxHash: "0xdead"}
	if withHash.DedupKey() != "0xdead" {
		t.Errorf("expected tx hash as key, got %s", withHash.DedupKey())
	}

	a := LeaderboardUpdate{Kind: LeaderboardTopCreators, Timestamp: 100}
	b := LeaderboardUpdate{Kind: LeaderboardTopCreators, Timestamp: 100}
	if a.DedupKey() != b.DedupKey() {
		t.Error("structurally identical events should share a key")
	}
	c := LeaderboardUpdate{Kind: LeaderboardTopTippers, Timestamp: 100}
	if a.DedupKey() == c.DedupKey() {
		t.Error("different payloads should not collide")
	}
}
