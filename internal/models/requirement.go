package models

import (
	"slices"
	"time"
)

// Tier partitions affected components and work items.
type Tier string

const (
	TierPresentation Tier = "presentation"
	TierService      Tier = "service"
	TierData         Tier = "data"
)

// Tiers lists every tier in processing order.
var Tiers = []Tier{TierPresentation, TierService, TierData}

// ParseTier maps a tier name, including the legacy frontend/backend/database
// names, to a Tier.
func ParseTier(s string) (Tier, bool) {
	switch s {
	case "presentation", "frontend", "ui":
		return TierPresentation, true
	case "service", "backend", "api":
		return TierService, true
	case "data", "database", "db":
		return TierData, true
	}
	return "", false
}

// AffectedComponents maps each tier to the component names a requirement touches.
type AffectedComponents map[Tier][]string

// NewAffectedComponents returns a map with every tier present and empty.
func NewAffectedComponents() AffectedComponents {
	a := make(AffectedComponents, len(Tiers))
	for _, t := range Tiers {
		a[t] = []string{}
	}
	return a
}

// Normalize returns a copy holding exactly the three tier keys.
// Missing or nil tiers become empty slices; blank names are dropped.
func (a AffectedComponents) Normalize() AffectedComponents {
	out := NewAffectedComponents()
	for _, t := range Tiers {
		for _, name := range a[t] {
			if name != "" && !slices.Contains(out[t], name) {
				out[t] = append(out[t], name)
			}
		}
	}
	return out
}

// NonEmptyTiers returns the tiers with at least one component, in Tiers order.
func (a AffectedComponents) NonEmptyTiers() []Tier {
	var tiers []Tier
	for _, t := range Tiers {
		if len(a[t]) > 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// RequirementStatus is the lifecycle state of a change requirement.
type RequirementStatus string

const (
	RequirementPending   RequirementStatus = "pending"
	RequirementAnalyzing RequirementStatus = "analyzing"
	RequirementCompleted RequirementStatus = "completed"
	RequirementFailed    RequirementStatus = "failed"
)

// ChangeRequirement is a free-text change request against a repository.
type ChangeRequirement struct {
	ID                 string             `json:"id"`
	RepositoryID       string             `json:"repository_id"`
	Prompt             string             `json:"prompt"`
	Analysis           *string            `json:"analysis,omitempty"`
	AffectedComponents AffectedComponents `json:"affected_components,omitempty"`
	Dependencies       []string           `json:"dependencies,omitempty"`
	Suggestions        []string           `json:"suggestions,omitempty"`
	Status             RequirementStatus  `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
}
