package dicecombat

import (
	"maps"
	"slices"

	"github.com/nfrund/tabletop/internal/domain"
)

// Phase ids, mirrored from the flow system's phase events.
const (
	PhaseRoll    = "roll"
	PhaseMain    = "main"
	PhaseCleanup = "cleanup"
)

// Card kinds.
const (
	KindStrike = "strike"
	KindHeal   = "heal"
	KindDraw   = "draw"
	KindHex    = "hex"
	KindBlock  = "block"
)

// Statuses a hex can apply.
const (
	StatusBurn   = "burn"
	StatusPoison = "poison"
)

// Card is one card in a deck or hand.
type Card struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Cost  int    `json:"cost"`
	Value int    `json:"value,omitempty"`
}

// Hero is one player's side of the table. Hand and Deck are concealed:
// PlayerView keeps only their sizes for anyone but the owner (and the deck
// is face down for everyone).
type Hero struct {
	HP       int      `json:"hp"`
	CP       int      `json:"cp"`
	Hand     []Card   `json:"hand,omitempty"`
	HandSize int      `json:"handSize"`
	Deck     []Card   `json:"deck,omitempty"`
	DeckSize int      `json:"deckSize"`
	Discard  []Card   `json:"discard,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

func (h *Hero) sync() {
	h.HandSize = len(h.Hand)
	h.DeckSize = len(h.Deck)
}

func (h *Hero) draw(n int) {
	n = min(n, len(h.Deck))
	h.Hand = append(h.Hand, h.Deck[:n]...)
	h.Deck = h.Deck[n:]
	h.sync()
}

func (h Hero) card(id string) (Card, bool) {
	i := slices.IndexFunc(h.Hand, func(c Card) bool { return c.ID == id })
	if i < 0 {
		return Card{}, false
	}
	return h.Hand[i], true
}

func (h Hero) clone() Hero {
	h.Hand = slices.Clone(h.Hand)
	h.Deck = slices.Clone(h.Deck)
	h.Discard = slices.Clone(h.Discard)
	h.Statuses = slices.Clone(h.Statuses)
	return h
}

// Attack is a declared attack waiting for the target's response.
type Attack struct {
	Attacker domain.PlayerID `json:"attacker"`
	Target   domain.PlayerID `json:"target"`
	Damage   int             `json:"damage"`
}

// State is the dice combat domain state.
type State struct {
	Order     []domain.PlayerID        `json:"order"`
	Heroes    map[domain.PlayerID]Hero `json:"heroes"`
	Active    domain.PlayerID          `json:"active"`
	Phase     string                   `json:"phase"`
	Turn      int                      `json:"turn"`
	Dice      []int                    `json:"dice,omitempty"`
	RollsLeft int                      `json:"rollsLeft"`
	Attacked  bool                     `json:"attacked,omitempty"`
	Pending   *Attack                  `json:"pending,omitempty"`
}

func (s State) clone() State {
	s.Order = slices.Clone(s.Order)
	s.Dice = slices.Clone(s.Dice)
	heroes := maps.Clone(s.Heroes)
	for id, h := range heroes {
		heroes[id] = h.clone()
	}
	s.Heroes = heroes
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	return s
}

// opponent is the next living hero after from in seat order.
func (s State) opponent(from domain.PlayerID) (domain.PlayerID, bool) {
	i := slices.Index(s.Order, from)
	for step := 1; step < len(s.Order); step++ {
		id := s.Order[(i+step)%len(s.Order)]
		if s.Heroes[id].HP > 0 {
			return id, true
		}
	}
	return "", false
}

// alive lists living heroes in seat order.
func (s State) alive() []domain.PlayerID {
	var out []domain.PlayerID
	for _, id := range s.Order {
		if s.Heroes[id].HP > 0 {
			out = append(out, id)
		}
	}
	return out
}

// RollDamage scores a roll: two per five or six, plus four for a straight
// and ten for five of a kind.
func RollDamage(values []int) int {
	damage := 0
	for _, v := range values {
		if v >= 5 {
			damage += 2
		}
	}
	if len(values) == 5 {
		sorted := slices.Sorted(slices.Values(values))
		straight := true
		for i := 1; i < len(sorted); i++ {
			if sorted[i] != sorted[i-1]+1 {
				straight = false
				break
			}
		}
		if straight {
			damage += 4
		}
		if sorted[0] == sorted[4] {
			damage += 10
		}
	}
	return damage
}
