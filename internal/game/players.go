package game

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/nfrund/tabletop/internal/domain"
)

const maxPlayerIDLength = 64

var (
	ErrEmptyPlayerID     = errors.New("player id is empty")
	ErrDuplicatePlayerID = errors.New("duplicate player id")
)

// NormalizePlayerID trims and NFC-normalizes a raw player id.
func NormalizePlayerID(raw string) (domain.PlayerID, error) {
	id := norm.NFC.String(strings.TrimSpace(raw))
	if id == "" {
		return "", ErrEmptyPlayerID
	}
	if len(id) > maxPlayerIDLength {
		return "", fmt.Errorf("player id %q exceeds %d bytes", id, maxPlayerIDLength)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("player id %q contains control characters", id)
	}
	if domain.PlayerID(id) == domain.SystemActor {
		return "", fmt.Errorf("player id %q is reserved", id)
	}
	return domain.PlayerID(id), nil
}

// NormalizePlayerIDs normalizes a seat list, rejecting duplicates after
// normalization.
func NormalizePlayerIDs(raw []string) ([]domain.PlayerID, error) {
	out := make([]domain.PlayerID, 0, len(raw))
	seen := make(map[domain.PlayerID]bool, len(raw))
	for _, r := range raw {
		id, err := NormalizePlayerID(r)
		if err != nil {
			return nil, domain.Reject(domain.ReasonInvalidPlayer, "%v", err)
		}
		if seen[id] {
			return nil, &domain.Rejection{
				Reason:  domain.ReasonInvalidPlayer,
				Message: fmt.Sprintf("%v: %s", ErrDuplicatePlayerID, id),
				Cause:   ErrDuplicatePlayerID,
			}
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
