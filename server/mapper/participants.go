package mapper

import (
	"context"
	"fmt"
	"slices"

	"github.com/open-xchange/appsuite-middleware-sub085/server/storage"
	"go.uber.org/zap"
)

// protectParticipants applies the participant integrity rules before a save:
// resources of the prior version survive, groups are replaced by their already
// attached members, externals shadowing an internal participant are dropped and
// internal duplicates collapse. prior is nil for new objects.
func (m *Mapper) protectParticipants(ctx context.Context, obj, prior *storage.CalendarObject) error {
	if obj.ParticipantsAuthoritative {
		return nil
	}
	participants := slices.Clone(obj.Participants)

	// resources
	if prior != nil {
		for _, p := range prior.Participants {
			if p.IsResource() && indexOf(participants, p) < 0 {
				m.logger.Debug("restoring resource participant", zap.String("address", p.Address))
				participants = append(participants, p)
			}
		}
	}

	// groups
	var groups []string
	participants = slices.DeleteFunc(participants, func(p storage.Participant) bool {
		if p.CUType == storage.CUGroup {
			groups = append(groups, storage.NormalizeAddress(p.Address))
			return true
		}
		return false
	})
	if prior != nil && len(groups) > 0 {
		for _, p := range prior.Participants {
			if p.CUType == storage.CUGroup || !memberOfAny(p, groups) || indexOf(participants, p) >= 0 {
				continue
			}
			participants = append(participants, p)
		}
	}

	// resolve and drop externals shadowing an internal identity
	if m.directory != nil {
		identities := make(map[string]*storage.Identity)
		for i, p := range participants {
			if p.EntityID != "" {
				continue
			}
			id, err := m.directory.LookupAddress(ctx, p.Address)
			if storage.IsNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("resolving participant %s: %w", p.Address, err)
			}
			identities[p.Address] = id
			participants[i].EntityID = id.EntityID
		}
		internal := make(map[string]*storage.Identity)
		for _, p := range participants {
			if p.EntityID == "" {
				continue
			}
			if id, ok := identities[p.Address]; ok {
				internal[p.EntityID] = id
			} else if _, ok := internal[p.EntityID]; !ok {
				internal[p.EntityID] = &storage.Identity{EntityID: p.EntityID, Email: p.Address}
			}
		}
		participants = slices.DeleteFunc(participants, func(p storage.Participant) bool {
			if p.EntityID != "" {
				return false
			}
			for _, id := range internal {
				if id.Matches(p.Address) {
					m.logger.Debug("dropping external duplicate of internal participant",
						zap.String("address", p.Address), zap.String("entity", id.EntityID))
					return true
				}
			}
			return false
		})
	}

	// duplicates
	seen := make(map[string]bool)
	participants = slices.DeleteFunc(participants, func(p storage.Participant) bool {
		if p.EntityID == "" || p.IsResource() {
			return false
		}
		if seen[p.EntityID] {
			return true
		}
		seen[p.EntityID] = true
		return false
	})

	if len(participants) == 0 {
		participants = nil
	}
	obj.Participants = participants
	return nil
}

// indexOf finds a participant by entity or by address.
func indexOf(list []storage.Participant, p storage.Participant) int {
	addr := storage.NormalizeAddress(p.Address)
	for i, q := range list {
		if p.EntityID != "" && q.EntityID == p.EntityID {
			return i
		}
		if addr != "" && storage.NormalizeAddress(q.Address) == addr {
			return i
		}
	}
	return -1
}

func memberOfAny(p storage.Participant, groups []string) bool {
	for _, m := range p.Members {
		if slices.Contains(groups, storage.NormalizeAddress(m)) {
			return true
		}
	}
	return false
}
