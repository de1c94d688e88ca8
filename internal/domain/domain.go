package domain

// Kind discriminates the two flavors of exchange record.
type Kind string

const (
	KindOffer   Kind = "offer"
	KindRequest Kind = "request"
)

// Opposite returns the counterpart kind.
func (k Kind) Opposite() Kind {
	if k == KindOffer {
		return KindRequest
	}
	return KindOffer
}

func (k Kind) Valid() bool {
	return k == KindOffer || k == KindRequest
}

const (
	StatusOpen      = "open"
	StatusMatched   = "matched"
	StatusFulfilled = "fulfilled"
	StatusClosed    = "closed"
)

// ExchangeStatuses lists the statuses an exchange record may hold.
var ExchangeStatuses = []string{StatusOpen, StatusMatched, StatusFulfilled, StatusClosed}

const (
	UrgencyLow      = "low"
	UrgencyNormal   = "normal"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// Urgencies is ordered from least to most urgent.
var Urgencies = []string{UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical}

// UrgencyRank orders urgencies for presentation; unknown values rank lowest.
func UrgencyRank(u string) int {
	for i, v := range Urgencies {
		if v == u {
			return i
		}
	}
	return -1
}

const (
	AgreementPending  = "pending"
	AgreementAccepted = "accepted"
	AgreementRejected = "rejected"
)

func Contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// LocalizedText maps a BCP 47 locale tag to text.
type LocalizedText map[string]string

// Any returns the first non-empty translation, preferring locale.
func (t LocalizedText) Any(locale string) string {
	if v := t[locale]; v != "" {
		return v
	}
	for _, v := range t {
		if v != "" {
			return v
		}
	}
	return ""
}

type Category struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Position  int     `json:"position"`
	ParentID  *string `json:"parent_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Target scopes an exchange record to another entity, e.g. a community.
type Target struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

func (t *Target) IsZero() bool {
	return t == nil || (t.Type == "" && t.ID == "")
}

// SameTarget reports whether two optional targets refer to the same entity.
func SameTarget(a, b *Target) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() && b.IsZero()
	}
	return a.Type == b.Type && a.ID == b.ID
}

type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

type Exchange struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind" enum:"offer,request"`
	Name        LocalizedText `json:"name"`
	Description LocalizedText `json:"description"`
	Status      string        `json:"status" enum:"open,matched,fulfilled,closed"`
	Urgency     string        `json:"urgency" enum:"low,normal,high,critical"`
	CategoryIDs []string      `json:"category_ids"`
	Address     *Address      `json:"address,omitempty"`
	Target      *Target       `json:"target,omitempty"`
	CreatorID   string        `json:"creator_id"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

type Agreement struct {
	ID        string `json:"id"`
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
	Terms     string `json:"terms,omitempty"`
	Value     string `json:"value,omitempty"`
	Status    string `json:"status" enum:"pending,accepted,rejected"`
	CreatorID string `json:"creator_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// ResponseLink threads one exchange record to another. Either endpoint
// becomes nil once the referenced record is destroyed.
type ResponseLink struct {
	ID         string  `json:"id"`
	SourceID   *string `json:"source_id"`
	ResponseID *string `json:"response_id"`
	CreatorID  string  `json:"creator_id"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// MatchEvent is handed to the match notifier, offer first.
type MatchEvent struct {
	OfferID      string   `json:"offer_id"`
	RequestID    string   `json:"request_id"`
	RecipientIDs []string `json:"recipient_ids"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
