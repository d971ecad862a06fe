package tipstream

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/big"
)

// EventType identifies one logical stream (a "topic" in the registry's sense).
// The values double as wire schema identifiers in the envelope.
type EventType string

const (
	EventTypeTip         EventType = "tip_events"
	EventTypeProfile     EventType = "profile_events"
	EventTypeLeaderboard EventType = "leaderboard_updates"
)

// StreamEvent is the decoded form of anything that travels over the stream.
// It's a closed union: TipEvent, ProfileEvent or LeaderboardUpdate, discriminated
// by Type(). Decoding happens exactly once, at the transport boundary.
type StreamEvent interface {
	Type() EventType
	// DedupKey uniquely identifies the event for duplicate suppression.
	// On-chain-sourced events use their transaction hash; anything else
	// falls back to a structural hash.
	DedupKey() string
	TimestampMs() int64
}

// TipEvent is a single tip from one user to another.
// Amount is in the token's smallest unit and is never negative.
type TipEvent struct {
	ID           string   `json:"id"`
	FromAddress  string   `json:"fromAddress"`
	FromUsername string   `json:"fromUsername"`
	ToAddress    string   `json:"toAddress"`
	ToUsername   string   `json:"toUsername"`
	Amount       *big.Int `json:"amount"`
	Message      string   `json:"message"`
	Timestamp    int64    `json:"timestampMs"`
	TxHash       string   `json:"txHash"`
}

func (e TipEvent) Type() EventType    { return EventTypeTip }
func (e TipEvent) TimestampMs() int64 { return e.Timestamp }

func (e TipEvent) DedupKey() string {
	if e.TxHash != "" {
		return e.TxHash
	}
	return structuralKey(e.Timestamp, e)
}

// ProfileAction says what happened to a profile.
type ProfileAction string

const (
	ProfileActionCreated     ProfileAction = "created"
	ProfileActionUpdated     ProfileAction = "updated"
	ProfileActionDeactivated ProfileAction = "deactivated"
	ProfileActionReactivated ProfileAction = "reactivated"
)

// ProfileMetadata carries the optional profile attributes a publisher chose to
// include. Pointer fields are absent when nil.
type ProfileMetadata struct {
	UserAddress     string `json:"userAddress"`
	XFollowers      *int64 `json:"xFollowers,omitempty"`
	XPosts          *int64 `json:"xPosts,omitempty"`
	XReplies        *int64 `json:"xReplies,omitempty"`
	CreditScore     *int64 `json:"creditScore,omitempty"`
	ProfileImageRef string `json:"profileImageRef,omitempty"`
	IsActive        *bool  `json:"isActive,omitempty"`
}

// ProfileEvent announces a profile lifecycle change.
type ProfileEvent struct {
	Username  string          `json:"username"`
	Action    ProfileAction   `json:"action"`
	Metadata  ProfileMetadata `json:"metadata"`
	Timestamp int64           `json:"timestampMs"`
	TxHash    string          `json:"txHash"`
}

func (e ProfileEvent) Type() EventType    { return EventTypeProfile }
func (e ProfileEvent) TimestampMs() int64 { return e.Timestamp }

func (e ProfileEvent) DedupKey() string {
	if e.TxHash != "" {
		return e.TxHash
	}
	return structuralKey(e.Timestamp, e)
}

// LeaderboardKind distinguishes the two published rankings.
type LeaderboardKind string

const (
	LeaderboardTopCreators LeaderboardKind = "top_creators"
	LeaderboardTopTippers  LeaderboardKind = "top_tippers"
)

// RankEntry is one row of a leaderboard. Rank is 1-based and unique within
// one update.
type RankEntry struct {
	Rank          int      `json:"rank"`
	Username      string   `json:"username"`
	WalletAddress string   `json:"walletAddress"`
	Value         *big.Int `json:"value"`
	CreditScore   *int64   `json:"creditScore,omitempty"`
}

// LeaderboardUpdate replaces the current ranking of the given kind.
type LeaderboardUpdate struct {
	Kind      LeaderboardKind `json:"kind"`
	Rankings  []RankEntry     `json:"rankings"`
	Timestamp int64           `json:"timestampMs"`
}

func (e LeaderboardUpdate) Type() EventType    { return EventTypeLeaderboard }
func (e LeaderboardUpdate) TimestampMs() int64 { return e.Timestamp }

// Leaderboard updates never originate on-chain, so the key is always structural.
func (e LeaderboardUpdate) DedupKey() string {
	return structuralKey(e.Timestamp, e)
}

// structuralKey hashes (timestamp, serialized payload) with FNV-1a.
// Not cryptographic; rare collisions only cost us a skipped re-delivery.
func structuralKey(timestampMs int64, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", payload))
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d:", timestampMs)
	h.Write(data)
	return fmt.Sprintf("fnv:%016x", h.Sum64())
}

// envelope is the single wire format all transports speak: a type tag plus the
// raw payload of the corresponding event struct.
type envelope struct {
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	TimestampMs int64           `json:"timestampMs"`
}

// EncodeEnvelope serializes an event for the wire.
func EncodeEnvelope(ev StreamEvent) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{
		Type:        ev.Type(),
		Payload:     payload,
		TimestampMs: ev.TimestampMs(),
	})
}

// DecodeEnvelope parses a wire message into the matching event struct.
// Unknown type tags and malformed payloads are errors; the caller drops those
// messages with a warning rather than letting them near subscribers.
func DecodeEnvelope(data []byte) (StreamEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	switch env.Type {
	case EventTypeTip:
		var ev TipEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding tip event: %w", err)
		}
		if ev.Amount != nil && ev.Amount.Sign() < 0 {
			return nil, fmt.Errorf("tip event %s has negative amount", ev.ID)
		}
		return ev, nil
	case EventTypeProfile:
		var ev ProfileEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding profile event: %w", err)
		}
		return ev, nil
	case EventTypeLeaderboard:
		var ev LeaderboardUpdate
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding leaderboard update: %w", err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// usernameMatches reports whether the event concerns the given username.
// Tips match on either end of the transfer.
func usernameMatches(ev StreamEvent, username string) bool {
	switch e := ev.(type) {
	case TipEvent:
		return e.FromUsername == username || e.ToUsername == username
	case ProfileEvent:
		return e.Username == username
	default:
		return false
	}
}
