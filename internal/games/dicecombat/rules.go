package dicecombat

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nfrund/tabletop/internal/domain"
	"github.com/nfrund/tabletop/internal/random"
	"github.com/nfrund/tabletop/internal/systems/flow"
	"github.com/nfrund/tabletop/internal/systems/prompt"
)

// Command types.
const (
	CommandRollDice = "rollDice"
	CommandAttack   = "attack"
	CommandPlayCard = "playCard"
)

// Event types.
const (
	EventDiceRolled     = "DICE_ROLLED"
	EventAttackDeclared = "ATTACK_DECLARED"
	EventCardPlayed     = "CARD_PLAYED"
	EventDamageDealt    = "DAMAGE_DEALT"
	EventHealed         = "HEALED"
	EventCardDrawn      = "CARD_DRAWN"
	EventBlocked        = "BLOCKED"
	EventStatusApplied  = "STATUS_APPLIED"
)

const hexSource = "hex:"

type rules struct {
	cfg Config
}

var (
	_ domain.Rules[State]    = rules{}
	_ domain.Viewer[State]   = rules{}
	_ domain.Finisher[State] = rules{}
	_ domain.Cloner[State]   = rules{}
	_ domain.EventRedactor   = rules{}
)

func (r rules) Setup(players []domain.PlayerID, rng random.Source) (State, error) {
	if len(players) == 0 {
		return State{}, fmt.Errorf("no players")
	}
	s := State{
		Order:     slices.Clone(players),
		Heroes:    make(map[domain.PlayerID]Hero, len(players)),
		Active:    players[0],
		Phase:     PhaseRoll,
		Turn:      1,
		RollsLeft: r.cfg.RollLimit,
	}
	for _, p := range players {
		h := Hero{HP: r.cfg.StartingHP, CP: r.cfg.StartingCP, Deck: random.Shuffle(rng, r.cfg.deck())}
		h.draw(r.cfg.HandSize)
		s.Heroes[p] = h
	}
	return s, nil
}

func (r rules) Validate(s State, cmd domain.Command) domain.ValidationResult {
	hero, seated := s.Heroes[cmd.PlayerID]
	if !seated {
		return domain.Invalid(domain.ReasonInvalidPlayer, "not seated at this table")
	}
	if hero.HP <= 0 {
		return domain.Invalid(domain.ReasonInvalidPlayer, "hero is defeated")
	}

	switch cmd.Type {
	case CommandRollDice:
		switch {
		case s.Phase != PhaseRoll:
			return domain.Invalid(domain.ReasonWrongPhase, "dice are rolled in the roll phase")
		case cmd.PlayerID != s.Active:
			return domain.Invalid(domain.ReasonNotYourTurn, "only the active player rolls")
		case s.RollsLeft <= 0:
			return domain.Invalid(domain.ReasonInvalidCommand, "no rolls left this turn")
		}
		return domain.Valid()

	case CommandAttack:
		switch {
		case s.Phase != PhaseMain:
			return domain.Invalid(domain.ReasonWrongPhase, "attacks are declared in the main phase")
		case cmd.PlayerID != s.Active:
			return domain.Invalid(domain.ReasonNotYourTurn, "only the active player attacks")
		case len(s.Dice) == 0:
			return domain.Invalid(domain.ReasonInvalidCommand, "roll before attacking")
		case s.Attacked:
			return domain.Invalid(domain.ReasonInvalidCommand, "already attacked this turn")
		}
		if _, ok := s.opponent(cmd.PlayerID); !ok {
			return domain.Invalid(domain.ReasonInvalidCommand, "no one left to attack")
		}
		return domain.Valid()

	case CommandPlayCard:
		id, ok := cmd.Payload.String("cardId")
		if !ok || id == "" {
			return domain.Invalid(domain.ReasonInvalidCommand, "cardId is required")
		}
		card, ok := hero.card(id)
		if !ok {
			return domain.Invalid(domain.ReasonInvalidCommand, fmt.Sprintf("card %s is not in hand", id))
		}
		if s.Pending != nil {
			if cmd.PlayerID != s.Pending.Target || card.Kind != KindBlock {
				return domain.Invalid(domain.ReasonResponseWindowOpen, "only the defender's block cards answer an attack")
			}
		} else {
			switch {
			case card.Kind == KindBlock:
				return domain.Invalid(domain.ReasonInvalidCommand, "block cards answer attacks")
			case s.Phase != PhaseMain:
				return domain.Invalid(domain.ReasonWrongPhase, "cards are played in the main phase")
			case cmd.PlayerID != s.Active:
				return domain.Invalid(domain.ReasonNotYourTurn, "only the active player plays cards")
			}
		}
		if hero.CP < card.Cost {
			return domain.Invalid(domain.ReasonInsufficientResource, fmt.Sprintf("%s costs %d CP, have %d", card.ID, card.Cost, hero.CP))
		}
		return domain.Valid()
	}
	return domain.Invalid(domain.ReasonUnknownCommand, cmd.Type)
}

func (r rules) Execute(s State, cmd domain.Command, rng random.Source) ([]domain.Event, error) {
	player := string(cmd.PlayerID)

	switch cmd.Type {
	case CommandRollDice:
		values := random.Dice(rng, r.cfg.DiceCount, 6)
		return []domain.Event{domain.NewEvent(EventDiceRolled, domain.Payload{
			"player":    player,
			"values":    values,
			"rollsLeft": s.RollsLeft - 1,
		})}, nil

	case CommandAttack:
		target, _ := s.opponent(cmd.PlayerID)
		return []domain.Event{
			domain.NewEvent(EventAttackDeclared, domain.Payload{
				"attacker": player,
				"target":   string(target),
				"damage":   RollDamage(s.Dice),
			}),
			flow.OpenWindow(target, CommandPlayCard),
		}, nil

	case CommandPlayCard:
		id, _ := cmd.Payload.String("cardId")
		card, _ := s.Heroes[cmd.PlayerID].card(id)
		events := []domain.Event{domain.NewEvent(EventCardPlayed, domain.Payload{
			"player": player,
			"cardId": card.ID,
			"kind":   card.Kind,
			"cost":   card.Cost,
		})}
		return append(events, r.effect(s, cmd.PlayerID, card)...), nil

	case prompt.CommandRespond:
		source, _ := cmd.Payload.String("sourceId")
		target, ok := strings.CutPrefix(source, hexSource)
		if !ok {
			return nil, nil
		}
		choice, _ := cmd.Payload.Strings("optionIds")
		if len(choice) != 1 {
			return nil, fmt.Errorf("hex needs exactly one status, got %v", choice)
		}
		return []domain.Event{domain.NewEvent(EventStatusApplied, domain.Payload{
			"target": target,
			"status": choice[0],
			"source": player,
		})}, nil
	}
	return nil, nil
}

func (r rules) effect(s State, player domain.PlayerID, card Card) []domain.Event {
	switch card.Kind {
	case KindStrike:
		target, ok := s.opponent(player)
		if !ok {
			return nil
		}
		return []domain.Event{domain.NewEvent(EventDamageDealt, domain.Payload{
			"source": string(player),
			"target": string(target),
			"amount": card.Value,
		})}
	case KindHeal:
		return []domain.Event{domain.NewEvent(EventHealed, domain.Payload{"player": string(player), "amount": card.Value})}
	case KindDraw:
		deck := s.Heroes[player].Deck
		n := min(card.Value, len(deck))
		ids := make([]string, n)
		for i := range n {
			ids[i] = deck[i].ID
		}
		return []domain.Event{domain.NewEvent(EventCardDrawn, domain.Payload{
			"player": string(player),
			"count":  n,
			"cards":  ids,
		})}
	case KindHex:
		target, ok := s.opponent(player)
		if !ok {
			return nil
		}
		return []domain.Event{prompt.Request(prompt.Spec{
			ForPlayer: player,
			Title:     "Choose a hex for " + string(target),
			SourceID:  hexSource + string(target),
			Options: []prompt.Option{
				{ID: StatusBurn, Label: "Burn"},
				{ID: StatusPoison, Label: "Poison"},
			},
			TimeoutMs: r.cfg.PromptTimeoutMs,
		})}
	case KindBlock:
		return []domain.Event{
			domain.NewEvent(EventBlocked, domain.Payload{"player": string(player), "amount": card.Value}),
			flow.CloseWindow(),
		}
	}
	return nil
}

func (r rules) Reduce(s State, evt domain.Event) (State, error) {
	s = s.clone()
	p := evt.Payload

	switch evt.Type {
	case EventDiceRolled:
		values, ok := p.Ints("values")
		if !ok {
			return s, fmt.Errorf("%s without values", evt.Type)
		}
		s.Dice = values
		s.RollsLeft, _ = p.Int("rollsLeft")

	case EventAttackDeclared:
		attacker, _ := p.String("attacker")
		target, _ := p.String("target")
		damage, _ := p.Int("damage")
		s.Pending = &Attack{Attacker: domain.PlayerID(attacker), Target: domain.PlayerID(target), Damage: damage}
		s.Attacked = true

	case flow.EventWindowClosed:
		if s.Pending != nil {
			s.hurt(s.Pending.Target, s.Pending.Damage)
			s.Pending = nil
		}

	case EventBlocked:
		amount, _ := p.Int("amount")
		if s.Pending != nil {
			s.Pending.Damage = max(0, s.Pending.Damage-amount)
		}

	case EventCardPlayed:
		player, _ := p.String("player")
		id, _ := p.String("cardId")
		cost, _ := p.Int("cost")
		h := s.Heroes[domain.PlayerID(player)]
		i := slices.IndexFunc(h.Hand, func(c Card) bool { return c.ID == id })
		if i < 0 {
			return s, fmt.Errorf("card %s is not in %s's hand", id, player)
		}
		h.Discard = append(h.Discard, h.Hand[i])
		h.Hand = slices.Delete(h.Hand, i, i+1)
		h.CP -= cost
		h.sync()
		s.Heroes[domain.PlayerID(player)] = h

	case EventDamageDealt:
		target, _ := p.String("target")
		amount, _ := p.Int("amount")
		s.hurt(domain.PlayerID(target), amount)

	case EventHealed:
		player, _ := p.String("player")
		amount, _ := p.Int("amount")
		h := s.Heroes[domain.PlayerID(player)]
		h.HP = min(h.HP+amount, r.cfg.StartingHP)
		s.Heroes[domain.PlayerID(player)] = h

	case EventCardDrawn:
		player, _ := p.String("player")
		count, _ := p.Int("count")
		h := s.Heroes[domain.PlayerID(player)]
		h.draw(count)
		s.Heroes[domain.PlayerID(player)] = h

	case EventStatusApplied:
		target, _ := p.String("target")
		status, _ := p.String("status")
		h := s.Heroes[domain.PlayerID(target)]
		if !slices.Contains(h.Statuses, status) {
			h.Statuses = append(h.Statuses, status)
		}
		s.Heroes[domain.PlayerID(target)] = h

	case flow.EventPhaseChanged:
		s.Phase, _ = p.String("to")

	case flow.EventTurnChanged:
		active, _ := p.String("activePlayer")
		s.Active = domain.PlayerID(active)
		s.Turn, _ = p.Int("turn")
		s.Dice = nil
		s.RollsLeft = r.cfg.RollLimit
		s.Attacked = false
		r.upkeep(&s)
	}
	return s, nil
}

// upkeep runs at the start of the active hero's turn.
func (r rules) upkeep(s *State) {
	h := s.Heroes[s.Active]
	h.CP = min(h.CP+1, r.cfg.MaxCP)
	h.draw(1)
	kept := h.Statuses[:0]
	for _, status := range h.Statuses {
		switch status {
		case StatusBurn:
			h.HP = max(0, h.HP-2)
		case StatusPoison:
			h.HP = max(0, h.HP-1)
			kept = append(kept, status)
		}
	}
	h.Statuses = kept
	if len(h.Statuses) == 0 {
		h.Statuses = nil
	}
	s.Heroes[s.Active] = h
}

func (s *State) hurt(target domain.PlayerID, amount int) {
	h, ok := s.Heroes[target]
	if !ok {
		return
	}
	h.HP = max(0, h.HP-amount)
	s.Heroes[target] = h
}

func (r rules) IsGameOver(s State) *domain.GameOverResult {
	if len(s.Order) < 2 {
		return nil
	}
	switch alive := s.alive(); len(alive) {
	case 0:
		return &domain.GameOverResult{Draw: true}
	case 1:
		return &domain.GameOverResult{Winner: alive[0]}
	}
	return nil
}

// PlayerView hides opponents' hands and every face-down deck.
func (r rules) PlayerView(s State, viewer domain.PlayerID) State {
	v := s.clone()
	for id, h := range v.Heroes {
		h.Deck = nil
		if id != viewer {
			h.Hand = nil
		}
		v.Heroes[id] = h
	}
	return v
}

// EventView hides which cards another player drew.
func (r rules) EventView(evt domain.Event, viewer domain.PlayerID) domain.Event {
	if evt.Type != EventCardDrawn {
		return evt
	}
	if owner, _ := evt.Payload.String("player"); owner == string(viewer) {
		return evt
	}
	delete(evt.Payload, "cards")
	return evt
}

func (r rules) Clone(s State) State { return s.clone() }
