package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joatu/internal/domain"
)

func record(id string, kind domain.Kind, creator string, cats ...string) domain.Exchange {
	return domain.Exchange{
		ID:          id,
		Kind:        kind,
		CreatorID:   creator,
		CategoryIDs: cats,
		Status:      domain.StatusOpen,
		Urgency:     domain.UrgencyNormal,
		CreatedAt:   "2024-01-01T00:00:00Z",
	}
}

func targeted(r domain.Exchange, typ, id string) domain.Exchange {
	r.Target = &domain.Target{Type: typ, ID: id}
	return r
}

func TestCompatibleSharedCategory(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	q := record("q", domain.KindRequest, "bob", "food", "shelter")
	assert.True(t, Compatible(o, q))
	assert.True(t, Compatible(q, o), "matching is symmetric")
}

func TestCompatibleDisjointCategories(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	q := record("q", domain.KindRequest, "bob", "transport")
	assert.False(t, Compatible(o, q))
	assert.False(t, Compatible(q, o))
}

func TestCompatibleRejectsSelfMatch(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	q := record("q", domain.KindRequest, "alice", "food")
	assert.False(t, Compatible(o, q))
	assert.False(t, Compatible(q, o))
}

func TestCompatibleRejectsSameKind(t *testing.T) {
	a := record("a", domain.KindOffer, "alice", "food")
	b := record("b", domain.KindOffer, "bob", "food")
	assert.False(t, Compatible(a, b))
}

func TestCompatibleTargetRule(t *testing.T) {
	o := targeted(record("o", domain.KindOffer, "alice", "food"), "community", "A")
	qB := targeted(record("qB", domain.KindRequest, "bob", "food"), "community", "B")
	qA := targeted(record("qA", domain.KindRequest, "carol", "food"), "community", "A")
	qNone := record("qNone", domain.KindRequest, "dave", "food")

	assert.False(t, Compatible(o, qB), "different scope is excluded")
	assert.True(t, Compatible(o, qA), "same scope matches")
	assert.True(t, Compatible(o, qNone), "unscoped candidate matches a scoped record")

	oNone := record("oNone", domain.KindOffer, "erin", "food")
	assert.True(t, Compatible(oNone, qB), "unscoped record does not constrain candidates")
}

func TestCompatibleIgnoresStatus(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	q := record("q", domain.KindRequest, "bob", "food")
	q.Status = domain.StatusClosed
	assert.True(t, Compatible(o, q))
}

func TestFilterAppliesExplicitStatusesAndOrders(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	low := record("q1", domain.KindRequest, "bob", "food")
	low.Urgency = domain.UrgencyLow
	critical := record("q2", domain.KindRequest, "carol", "food")
	critical.Urgency = domain.UrgencyCritical
	closed := record("q3", domain.KindRequest, "dave", "food")
	closed.Status = domain.StatusClosed
	newer := record("q4", domain.KindRequest, "erin", "food")
	newer.CreatedAt = "2024-02-01T00:00:00Z"
	unrelated := record("q5", domain.KindRequest, "frank", "tools")

	all := Filter(o, []domain.Exchange{low, critical, closed, newer, unrelated}, Options{})
	ids := make([]string, 0, len(all))
	for _, r := range all {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"q2", "q4", "q3", "q1"}, ids)

	open := Filter(o, []domain.Exchange{low, critical, closed}, Options{Statuses: []string{domain.StatusOpen}})
	require.Len(t, open, 2)
	for _, r := range open {
		assert.Equal(t, domain.StatusOpen, r.Status)
	}

	limited := Filter(o, []domain.Exchange{low, critical, newer}, Options{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "q2", limited[0].ID)
}

func TestCriteriaFor(t *testing.T) {
	q := targeted(record("q", domain.KindRequest, "bob", "shelter", "food", "food"), "community", "A")
	c := CriteriaFor(q, Options{Statuses: []string{domain.StatusOpen}})
	assert.Equal(t, domain.KindOffer, c.Kind)
	assert.Equal(t, []string{"food", "shelter"}, c.CategoryIDs)
	assert.Equal(t, "bob", c.ExcludeCreator)
	assert.Equal(t, "q", c.ExcludeID)
	require.NotNil(t, c.Target)
	assert.Equal(t, "A", c.Target.ID)

	q.Target.ID = "B"
	assert.Equal(t, "A", c.Target.ID, "criteria keeps its own copy of the target")
}

func TestPairCanonicalOrder(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	q := record("q", domain.KindRequest, "bob", "food")

	fromOffer := Pair(o, q)
	fromRequest := Pair(q, o)
	assert.Equal(t, "o", fromOffer.OfferID)
	assert.Equal(t, "q", fromOffer.RequestID)
	assert.Equal(t, fromOffer.OfferID, fromRequest.OfferID)
	assert.Equal(t, fromOffer.RequestID, fromRequest.RequestID)
	assert.ElementsMatch(t, []string{"alice", "bob"}, fromOffer.RecipientIDs)
}

func TestPairDropsEmptyAndDuplicateRecipients(t *testing.T) {
	o := record("o", domain.KindOffer, "alice", "food")
	q := record("q", domain.KindRequest, "", "food")
	assert.Equal(t, []string{"alice"}, Pair(o, q).RecipientIDs)

	q.CreatorID = "alice"
	assert.Equal(t, []string{"alice"}, Pair(q, o).RecipientIDs)
}
