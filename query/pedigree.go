package query

import (
	"context"
	"errors"
	"slices"

	"github.com/padraicbc/racesync/models"
	"github.com/padraicbc/racesync/store"
)

const pedigreeDepth = 3

type frontier struct {
	node *models.PedigreeNode
	path []string // ids from the subject down to node
}

// Pedigree walks parent links breadth first, one store call per generation.
// Missing ancestors leave nil branches; an ancestor that is also one of its
// own descendants is cut off.
func (s *Service) Pedigree(ctx context.Context, horseID string) (models.Pedigree, error) {
	return cached(ctx, s, "pedigree:"+horseID, func() (models.Pedigree, error) {
		return s.pedigree(ctx, horseID)
	})
}

func (s *Service) pedigree(ctx context.Context, horseID string) (models.Pedigree, error) {
	root := &models.PedigreeNode{HorseID: horseID}
	h, err := s.store.GetHorse(ctx, horseID)
	switch {
	case err == nil:
		root.Name = h.Name
	case !errors.Is(err, store.ErrNotFound):
		return models.Pedigree{}, err
	}
	horseKnown := err == nil

	level := []frontier{{node: root, path: []string{horseID}}}
	for gen := 0; gen < pedigreeDepth && len(level) > 0; gen++ {
		ids := make([]string, 0, len(level))
		for _, f := range level {
			if !slices.Contains(ids, f.node.HorseID) {
				ids = append(ids, f.node.HorseID)
			}
		}
		links, err := s.store.ParentLinks(ctx, ids)
		if err != nil {
			return models.Pedigree{}, err
		}
		if gen == 0 && len(links) == 0 && !horseKnown {
			return models.Pedigree{}, store.ErrNotFound
		}
		byChild := make(map[string][]models.PedigreeLink, len(ids))
		for _, l := range links {
			byChild[l.ChildID] = append(byChild[l.ChildID], l)
		}

		var next []frontier
		for _, f := range level {
			for _, l := range byChild[f.node.HorseID] {
				if slices.Contains(f.path, l.AncestorID) {
					continue
				}
				parent := &models.PedigreeNode{HorseID: l.AncestorID, Name: l.AncestorName}
				switch l.Role {
				case models.RoleSire:
					f.node.Sire = parent
				case models.RoleDam:
					f.node.Dam = parent
				default:
					continue
				}
				next = append(next, frontier{node: parent, path: append(slices.Clip(f.path), l.AncestorID)})
			}
		}
		level = next
	}

	p := models.Pedigree{PedigreeNode: *root}
	if root.Dam != nil {
		p.Damsire = root.Dam.Sire
	}
	return p, nil
}
