package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"joatu/internal/config"
	"joatu/internal/db"
	"joatu/internal/domain"
	"joatu/internal/engine/auth"
	"joatu/internal/events"
	"joatu/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Authorizer
	Config *config.Config
	Now    func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{Repo: r},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) require(ctx context.Context, q repo.Querier, actorID, action string, record any) error {
	return auth.Require(ctx, e.Auth, q, actorID, action, record)
}

// normalizeText validates locale keys and NFC-normalizes each translation.
// Blank translations are dropped; at least one must remain.
func (e Engine) normalizeText(field string, in domain.LocalizedText) (domain.LocalizedText, error) {
	out := domain.LocalizedText{}
	var allowed []string
	if e.Config != nil {
		allowed = e.Config.Locales.Available
	}
	for k, v := range in {
		tag, err := language.Parse(strings.TrimSpace(k))
		if err != nil {
			return nil, invalid(field, "unknown locale "+k)
		}
		locale := tag.String()
		if len(allowed) > 0 && !domain.Contains(allowed, locale) {
			return nil, invalid(field, "locale "+locale+" is not enabled")
		}
		v = strings.TrimSpace(norm.NFC.String(v))
		if v == "" {
			continue
		}
		out[locale] = v
	}
	if len(out) == 0 {
		return nil, invalid(field, "is required")
	}
	return out, nil
}

// normalizeIDs trims, dedupes and sorts ids.
func normalizeIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sameIDs(a, b []string) bool {
	a, b = normalizeIDs(a), normalizeIDs(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func normalizeAddress(a *domain.Address) *domain.Address {
	if a == nil {
		return nil
	}
	out := domain.Address{
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		Region:     strings.TrimSpace(a.Region),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(a.Country),
	}
	if out == (domain.Address{}) {
		return nil
	}
	return &out
}

// existing loads a record referenced by another entity; a dangling
// reference is a validation failure rather than a missing resource.
func (e Engine) existing(ctx context.Context, q repo.Querier, field, id string) (domain.Exchange, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Exchange{}, invalid(field, "is required")
	}
	ex, err := e.Repo.GetExchange(ctx, q, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ex, invalid(field, "does not exist")
	}
	return ex, err
}
