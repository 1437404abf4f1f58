// Package card defines the collectible card model and the deterministic
// attribute derivation used when minting a card from a receipt.
package card

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"time"
)

// Hand is the rock-paper-scissors symbol a card fights with.
type Hand string

const (
	HandGu    Hand = "gu"
	HandChoki Hand = "choki"
	HandPa    Hand = "pa"
)

// Hands lists the valid hands in canonical order.
var Hands = []Hand{HandGu, HandChoki, HandPa}

// Valid reports whether h is one of the three playable hands.
func (h Hand) Valid() bool {
	return h == HandGu || h == HandChoki || h == HandPa
}

// NormalizeHand maps localized and romanized variants onto a canonical hand.
// Unrecognized input defaults to gu.
func NormalizeHand(raw string) Hand {
	v := strings.TrimSpace(raw)
	if h := Hand(v); h.Valid() {
		return h
	}
	switch v {
	case "ぐー", "グー", "guu":
		return HandGu
	case "ちょき", "チョキ":
		return HandChoki
	case "ぱー", "パー":
		return HandPa
	default:
		return HandGu
	}
}

// Rarity grades a card. Starters are normal; generated cards are bronze
// through legend depending on attack power.
type Rarity string

const (
	RarityNormal Rarity = "normal"
	RarityBronze Rarity = "bronze"
	RaritySilver Rarity = "silver"
	RarityGold   Rarity = "gold"
	RarityLegend Rarity = "legend"
)

// ArtworkStatus tracks the asynchronous artwork generation state machine:
// pending → generating → generated, with failed as the retriggerable
// terminal failure state.
type ArtworkStatus string

const (
	ArtworkPending    ArtworkStatus = "pending"
	ArtworkGenerating ArtworkStatus = "generating"
	ArtworkGenerated  ArtworkStatus = "generated"
	ArtworkFailed     ArtworkStatus = "failed"
)

// ErrInvalidAttackPower indicates an attack power outside the generated set.
var ErrInvalidAttackPower = errors.New("invalid attack power")

// Card is created once from a receipt upload and is immutable afterwards
// except for the artwork fields, which the artwork pipeline owns.
type Card struct {
	ID              string
	ReceiptUploadID string
	Name            string
	Hand            Hand
	Flavor          string
	AttackPower     int
	Rarity          Rarity

	ArtworkStatus     ArtworkStatus
	ArtworkError      string
	ArtworkBucket     string
	ArtworkObjectKey  string
	ArtworkGeneration int64
	ArtworkMimeType   string
	ArtworkModel      string
	ArtworkPrompt     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attack power weights, per mille: 20 → 600, 30 → 250, 40 → 120, 50 → 30.
const (
	attackPowerBronzeCeil = 600
	attackPowerSilverCeil = 850
	attackPowerGoldCeil   = 970
)

// DeriveAttackPower maps a stable identity string through a weighted
// partition. The derivation is deterministic so replaying generation for the
// same receipt never changes attack power or rarity.
func DeriveAttackPower(identity string) int {
	r := crc32.ChecksumIEEE([]byte(identity)) % 1000
	switch {
	case r < attackPowerBronzeCeil:
		return 20
	case r < attackPowerSilverCeil:
		return 30
	case r < attackPowerGoldCeil:
		return 40
	default:
		return 50
	}
}

// RarityForAttackPower maps generated attack powers onto rarities. The value
// 10 is reserved for non-generated starter cards and maps to normal.
func RarityForAttackPower(attackPower int) (Rarity, error) {
	switch attackPower {
	case 10:
		return RarityNormal, nil
	case 20:
		return RarityBronze, nil
	case 30:
		return RaritySilver, nil
	case 40:
		return RarityGold, nil
	case 50:
		return RarityLegend, nil
	default:
		return "", fmt.Errorf("%w: %d", ErrInvalidAttackPower, attackPower)
	}
}
