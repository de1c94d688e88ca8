// Package match holds the matchmaking rules between offers and requests.
//
// Matching is attribute-exact: a candidate of the opposite kind is
// compatible with a record when they share at least one category, the
// candidate is unscoped or scoped to the record's target (only when the
// record is scoped), and the two were created by different people.
//
// Status is deliberately not part of compatibility. Callers that only want
// actionable counterparts pass Options.Statuses explicitly.
package match

import (
	"sort"

	"joatu/internal/domain"
)

// Options narrows a match lookup for presentation.
type Options struct {
	// Statuses restricts candidates to these statuses when non-empty.
	Statuses []string
	Limit    int
}

// Criteria is the storage query derived from a record. The repository
// resolves it through the category -> exchange index.
type Criteria struct {
	Kind           domain.Kind
	CategoryIDs    []string
	Target         *domain.Target
	ExcludeCreator string
	ExcludeID      string
	Statuses       []string
	Limit          int
}

// CriteriaFor builds the candidate query for r.
func CriteriaFor(r domain.Exchange, opts Options) Criteria {
	c := Criteria{
		Kind:           r.Kind.Opposite(),
		CategoryIDs:    dedupe(r.CategoryIDs),
		ExcludeCreator: r.CreatorID,
		ExcludeID:      r.ID,
		Statuses:       opts.Statuses,
		Limit:          opts.Limit,
	}
	if !r.Target.IsZero() {
		t := *r.Target
		c.Target = &t
	}
	return c
}

// Compatible reports whether candidate is a counterpart of r.
func Compatible(r, candidate domain.Exchange) bool {
	if candidate.Kind != r.Kind.Opposite() || candidate.ID == r.ID {
		return false
	}
	if candidate.CreatorID == r.CreatorID {
		return false
	}
	if !r.Target.IsZero() && !candidate.Target.IsZero() && !domain.SameTarget(r.Target, candidate.Target) {
		return false
	}
	return intersects(r.CategoryIDs, candidate.CategoryIDs)
}

// Filter keeps the compatible candidates, applying opts.Statuses when set,
// and orders them by urgency then recency.
func Filter(r domain.Exchange, candidates []domain.Exchange, opts Options) []domain.Exchange {
	out := make([]domain.Exchange, 0, len(candidates))
	for _, c := range candidates {
		if !Compatible(r, c) {
			continue
		}
		if len(opts.Statuses) > 0 && !domain.Contains(opts.Statuses, c.Status) {
			continue
		}
		out = append(out, c)
	}
	Sort(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// Sort orders records by urgency descending, then newest first.
func Sort(items []domain.Exchange) {
	sort.SliceStable(items, func(i, j int) bool {
		ui, uj := domain.UrgencyRank(items[i].Urgency), domain.UrgencyRank(items[j].Urgency)
		if ui != uj {
			return ui > uj
		}
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
}

// Pair returns the notification for a match between r and counterpart:
// offer first, recipients deduplicated with empty ids dropped.
func Pair(r, counterpart domain.Exchange) domain.MatchEvent {
	offer, request := r, counterpart
	if r.Kind == domain.KindRequest {
		offer, request = counterpart, r
	}
	var recipients []string
	for _, id := range []string{r.CreatorID, counterpart.CreatorID} {
		if id == "" || domain.Contains(recipients, id) {
			continue
		}
		recipients = append(recipients, id)
	}
	return domain.MatchEvent{
		OfferID:      offer.ID,
		RequestID:    request.ID,
		RecipientIDs: recipients,
	}
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
