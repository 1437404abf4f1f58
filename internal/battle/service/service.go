// Package service runs storage-backed battles on top of the pure engine.
package service

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/mkaneta/recabattle/internal/battle"
	"github.com/mkaneta/recabattle/internal/card"
	"github.com/mkaneta/recabattle/internal/storage"
)

// Service resolves loadout card ids against storage and drives the engine.
// Battle state stays with the caller between turns; the service is stateless.
type Service struct {
	store storage.CardStore
	rng   battle.Rand
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRand overrides the random source for CPU draws.
func WithRand(rng battle.Rand) Option {
	return func(s *Service) { s.rng = rng }
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New returns a battle service backed by store.
func New(store storage.CardStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates the player's loadout against their collection and begins a
// battle. The CPU draws from the player's normal-rarity cards when they have
// one for every hand, otherwise from the global card pool.
func (s *Service) Start(ctx context.Context, userID string, loadout battle.Loadout) (battle.State, error) {
	if err := ctx.Err(); err != nil {
		return battle.State{}, err
	}
	owned, err := s.store.ListOwnedCards(ctx, userID)
	if err != nil {
		return battle.State{}, fmt.Errorf("list owned cards: %w", err)
	}

	pool := starterPool(owned)
	if pool == nil {
		pool, err = s.store.ListCardIDsByHand(ctx)
		if err != nil {
			return battle.State{}, fmt.Errorf("list cpu candidates: %w", err)
		}
	}

	state, err := battle.Start(loadout, owned, pool, s.rng, s.now)
	if err != nil {
		return battle.State{}, err
	}
	return state, nil
}

// PlayTurn resolves one turn of an in-progress battle.
func (s *Service) PlayTurn(ctx context.Context, state battle.State, playerHand card.Hand) (battle.State, error) {
	if err := ctx.Err(); err != nil {
		return battle.State{}, err
	}
	ids := loadoutCardIDs(state)
	cards, err := s.store.GetCards(ctx, ids)
	if err != nil {
		return battle.State{}, fmt.Errorf("resolve battle cards: %w", err)
	}
	next, err := battle.PlayTurn(state, playerHand, cards, s.rng)
	if err != nil {
		return battle.State{}, err
	}
	return next, nil
}

// starterPool builds a CPU candidate pool from the player's normal-rarity
// cards. It returns nil unless every hand has at least one candidate.
func starterPool(owned map[string]card.Card) map[card.Hand][]string {
	pool := make(map[card.Hand][]string, len(card.Hands))
	for id, c := range owned {
		if c.Rarity == card.RarityNormal {
			pool[c.Hand] = append(pool[c.Hand], id)
		}
	}
	for _, hand := range card.Hands {
		if len(pool[hand]) == 0 {
			return nil
		}
		sort.Strings(pool[hand])
	}
	return pool
}

func loadoutCardIDs(state battle.State) []string {
	total := len(state.PlayerLoadout) + len(state.CPULoadout)
	seen := make(map[string]struct{}, total)
	ids := make([]string, 0, total)
	for _, loadout := range []battle.Loadout{state.PlayerLoadout, state.CPULoadout} {
		for _, id := range loadout {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
