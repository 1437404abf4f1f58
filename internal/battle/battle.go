// Package battle implements the rock-paper-scissors card duel engine.
//
// The engine is a set of pure functions over explicit State values. Callers
// own persistence of the State (typically one value per session); the engine
// never retains references across calls. The only nondeterminism (the CPU
// hand draw and the CPU loadout draw) comes from an injected Rand so tests
// can script it.
package battle

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkaneta/recabattle/internal/card"
)

const (
	// InitialHP is the HP both sides start a duel with.
	InitialHP = 200
	// MaxTurnHistory bounds the retained turn records. Session cookies grow
	// unstable when the serialized state gets large, so only the most recent
	// turns are kept.
	MaxTurnHistory = 10
)

// TieDamage is the fixed damage both sides take on a tie.
var TieDamage = InitialHP * 5 / 100 // 10

var (
	// ErrBattleEnded indicates a turn was played on a finished battle.
	ErrBattleEnded = errors.New("battle has ended")
	// ErrInvalidHand indicates a hand outside gu/choki/pa.
	ErrInvalidHand = errors.New("invalid hand")
	// ErrLoadoutIncomplete indicates a loadout missing a card for some hand.
	ErrLoadoutIncomplete = errors.New("loadout must supply one card per hand")
	// ErrCardNotOwned indicates a loadout card the player does not own.
	ErrCardNotOwned = errors.New("loadout card is not owned by the player")
	// ErrHandMismatch indicates a card assigned to a slot it cannot fight in.
	ErrHandMismatch = errors.New("card hand does not match loadout slot")
	// ErrEmptyPool indicates no CPU candidate card exists for some hand.
	ErrEmptyPool = errors.New("no cards exist for hand")
	// ErrUnknownCard indicates a loadout references a card the caller did not supply.
	ErrUnknownCard = errors.New("unknown card in loadout")
)

// Rand supplies the engine's random draws.
type Rand interface {
	// Intn returns a uniform int in [0, n).
	Intn(n int) int
}

// Outcome identifies who won a single turn.
type Outcome string

const (
	OutcomePlayer Outcome = "player"
	OutcomeCPU    Outcome = "cpu"
	OutcomeTie    Outcome = "tie"
)

// Winner identifies who won a finished battle.
type Winner string

const (
	WinnerPlayer Winner = "player"
	WinnerCPU    Winner = "cpu"
	WinnerDraw   Winner = "draw"
)

// Loadout maps each hand to the card fighting in that slot.
type Loadout map[card.Hand]string

// TurnRecord captures one resolved turn. Records are immutable once created.
type TurnRecord struct {
	PlayerHand    card.Hand `json:"player_hand"`
	CPUHand       card.Hand `json:"cpu_hand"`
	Outcome       Outcome   `json:"outcome"`
	PlayerDamage  int       `json:"player_damage"`
	CPUDamage     int       `json:"cpu_damage"`
	PlayerHPAfter int       `json:"player_hp_after"`
	CPUHPAfter    int       `json:"cpu_hp_after"`
}

// State is the full battle state. It serializes to JSON so the hosting layer
// can keep it in a session store.
type State struct {
	Version       int          `json:"version"`
	StartedAt     int64        `json:"started_at"`
	Ended         bool         `json:"ended"`
	Winner        Winner       `json:"winner,omitempty"`
	InitialHP     int          `json:"initial_hp"`
	TieDamage     int          `json:"tie_damage"`
	PlayerHP      int          `json:"player_hp"`
	CPUHP         int          `json:"cpu_hp"`
	PlayerLoadout Loadout      `json:"player_loadout"`
	CPULoadout    Loadout      `json:"cpu_loadout"`
	Turns         []TurnRecord `json:"turns"`
}

// Start validates the player loadout, draws a CPU loadout from the per-hand
// candidate pool, and returns a fresh full-HP state.
//
// owned maps card id to card for every card the player owns. pool lists the
// global candidate card ids per hand for the CPU draw.
func Start(loadout Loadout, owned map[string]card.Card, pool map[card.Hand][]string, rng Rand, now func() time.Time) (State, error) {
	if now == nil {
		now = time.Now
	}
	if err := validateLoadout(loadout, owned); err != nil {
		return State{}, err
	}
	cpuLoadout, err := drawCPULoadout(pool, rng)
	if err != nil {
		return State{}, err
	}

	return State{
		Version:       1,
		StartedAt:     now().UTC().Unix(),
		Ended:         false,
		InitialHP:     InitialHP,
		TieDamage:     TieDamage,
		PlayerHP:      InitialHP,
		CPUHP:         InitialHP,
		PlayerLoadout: cloneLoadout(loadout),
		CPULoadout:    cpuLoadout,
		Turns:         []TurnRecord{},
	}, nil
}

// PlayTurn resolves one turn and returns the next state. The input state is
// not mutated. cards must resolve every card id referenced by either loadout.
func PlayTurn(state State, playerHand card.Hand, cards map[string]card.Card, rng Rand) (State, error) {
	if state.Ended {
		return State{}, ErrBattleEnded
	}
	if !playerHand.Valid() {
		return State{}, fmt.Errorf("%w: %q", ErrInvalidHand, playerHand)
	}

	cpuHand := card.Hands[rng.Intn(len(card.Hands))]

	playerCard, err := cardForHand(state.PlayerLoadout, playerHand, cards)
	if err != nil {
		return State{}, err
	}
	cpuCard, err := cardForHand(state.CPULoadout, cpuHand, cards)
	if err != nil {
		return State{}, err
	}

	outcome := resolveOutcome(playerHand, cpuHand)

	var playerDamage, cpuDamage int
	switch outcome {
	case OutcomePlayer:
		cpuDamage = playerCard.AttackPower
	case OutcomeCPU:
		playerDamage = cpuCard.AttackPower
	case OutcomeTie:
		playerDamage = state.TieDamage
		cpuDamage = state.TieDamage
	}

	next := clone(state)
	next.PlayerHP = clampHP(next.PlayerHP - playerDamage)
	next.CPUHP = clampHP(next.CPUHP - cpuDamage)

	next.Turns = append(next.Turns, TurnRecord{
		PlayerHand:    playerHand,
		CPUHand:       cpuHand,
		Outcome:       outcome,
		PlayerDamage:  playerDamage,
		CPUDamage:     cpuDamage,
		PlayerHPAfter: next.PlayerHP,
		CPUHPAfter:    next.CPUHP,
	})
	if len(next.Turns) > MaxTurnHistory {
		next.Turns = next.Turns[len(next.Turns)-MaxTurnHistory:]
	}

	if next.PlayerHP <= 0 || next.CPUHP <= 0 {
		next.Ended = true
		switch {
		case next.PlayerHP <= 0 && next.CPUHP <= 0:
			next.Winner = WinnerDraw
		case next.CPUHP <= 0:
			next.Winner = WinnerPlayer
		default:
			next.Winner = WinnerCPU
		}
	}

	return next, nil
}

func validateLoadout(loadout Loadout, owned map[string]card.Card) error {
	if len(loadout) == 0 {
		return ErrLoadoutIncomplete
	}
	for _, hand := range card.Hands {
		id := loadout[hand]
		if id == "" {
			return fmt.Errorf("%w: missing %s", ErrLoadoutIncomplete, hand)
		}
		c, ok := owned[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrCardNotOwned, id)
		}
		if c.Hand != hand {
			return fmt.Errorf("%w: card %s is %s, assigned to %s", ErrHandMismatch, id, c.Hand, hand)
		}
	}
	return nil
}

func drawCPULoadout(pool map[card.Hand][]string, rng Rand) (Loadout, error) {
	loadout := make(Loadout, len(card.Hands))
	for _, hand := range card.Hands {
		candidates := pool[hand]
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyPool, hand)
		}
		loadout[hand] = candidates[rng.Intn(len(candidates))]
	}
	return loadout, nil
}

func cardForHand(loadout Loadout, hand card.Hand, cards map[string]card.Card) (card.Card, error) {
	id := loadout[hand]
	if id == "" {
		return card.Card{}, fmt.Errorf("%w: missing %s", ErrLoadoutIncomplete, hand)
	}
	c, ok := cards[id]
	if !ok {
		return card.Card{}, fmt.Errorf("%w: %s", ErrUnknownCard, id)
	}
	return c, nil
}

// resolveOutcome applies gu > choki > pa > gu.
func resolveOutcome(player, cpu card.Hand) Outcome {
	if player == cpu {
		return OutcomeTie
	}
	win := (player == card.HandGu && cpu == card.HandChoki) ||
		(player == card.HandChoki && cpu == card.HandPa) ||
		(player == card.HandPa && cpu == card.HandGu)
	if win {
		return OutcomePlayer
	}
	return OutcomeCPU
}

func clampHP(hp int) int {
	if hp < 0 {
		return 0
	}
	return hp
}

func clone(state State) State {
	next := state
	next.PlayerLoadout = cloneLoadout(state.PlayerLoadout)
	next.CPULoadout = cloneLoadout(state.CPULoadout)
	next.Turns = append([]TurnRecord(nil), state.Turns...)
	return next
}

func cloneLoadout(loadout Loadout) Loadout {
	cloned := make(Loadout, len(loadout))
	for hand, id := range loadout {
		cloned[hand] = id
	}
	return cloned
}
