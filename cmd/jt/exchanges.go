package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/match"
	"joatu/internal/repo"
)

func categoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Manage the category catalog",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCategories(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Position", "Parent")
				for _, c := range items {
					parent := ""
					if c.ParentID != nil {
						parent = *c.ParentID
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.Position, parent})
				}
				tw.Render()
				return nil
			})
		},
	}

	var c domain.Category
	var parent string
	save := &cobra.Command{
		Use:   "save",
		Short: "Create or update a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("parent") {
				c.ParentID = &parent
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.SaveCategory(ctx, c, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	save.Flags().StringVar(&c.ID, "id", "", "category id")
	save.Flags().StringVar(&c.Name, "name", "", "display name")
	save.Flags().IntVar(&c.Position, "position", 0, "sort position")
	save.Flags().StringVar(&parent, "parent", "", "parent category id")
	_ = save.MarkFlagRequired("id")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an unused category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteCategory(ctx, args[0], actorID())
			})
		},
	}
	cmd.AddCommand(list, save, del)
	return cmd
}

// exchangeFlags are shared by create and update.
type exchangeFlags struct {
	id          string
	locale      string
	name        string
	description string
	names       map[string]string
	descs       map[string]string
	status      string
	urgency     string
	categories  []string
	targetType  string
	targetID    string
	address     domain.Address
}

func (f *exchangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.locale, "locale", "", "locale of --name and --description (defaults to config)")
	cmd.Flags().StringVar(&f.name, "name", "", "name")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringToStringVar(&f.names, "name-i18n", nil, "translated names, e.g. fr=Soupe")
	cmd.Flags().StringToStringVar(&f.descs, "description-i18n", nil, "translated descriptions")
	cmd.Flags().StringVar(&f.status, "status", "", "open, matched, fulfilled or closed")
	cmd.Flags().StringVar(&f.urgency, "urgency", "", "low, normal, high or critical")
	cmd.Flags().StringSliceVar(&f.categories, "category", nil, "category id (repeatable)")
	cmd.Flags().StringVar(&f.targetType, "target-type", "", "scope type, e.g. community")
	cmd.Flags().StringVar(&f.targetID, "target-id", "", "scope id")
	cmd.Flags().StringVar(&f.address.Line1, "address-line1", "", "address line 1")
	cmd.Flags().StringVar(&f.address.Line2, "address-line2", "", "address line 2")
	cmd.Flags().StringVar(&f.address.City, "city", "", "city")
	cmd.Flags().StringVar(&f.address.Region, "region", "", "region")
	cmd.Flags().StringVar(&f.address.PostalCode, "postal-code", "", "postal code")
	cmd.Flags().StringVar(&f.address.Country, "country", "", "country")
}

func (f *exchangeFlags) text(cmd *cobra.Command, flag, value, i18nFlag string, values map[string]string, defaultLocale string) domain.LocalizedText {
	if !cmd.Flags().Changed(flag) && !cmd.Flags().Changed(i18nFlag) {
		return nil
	}
	out := domain.LocalizedText{}
	for k, v := range values {
		out[k] = v
	}
	if cmd.Flags().Changed(flag) {
		locale := f.locale
		if locale == "" {
			locale = defaultLocale
		}
		out[locale] = value
	}
	return out
}

func (f *exchangeFlags) target(cmd *cobra.Command) *domain.Target {
	if !cmd.Flags().Changed("target-type") && !cmd.Flags().Changed("target-id") {
		return nil
	}
	return &domain.Target{Type: f.targetType, ID: f.targetID}
}

func (f *exchangeFlags) addressChanged(cmd *cobra.Command) bool {
	for _, name := range []string{"address-line1", "address-line2", "city", "region", "postal-code", "country"} {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

func exchangeCmd(kind domain.Kind) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: fmt.Sprintf("Manage %ss", kind),
	}
	cmd.AddCommand(exchangeCreateCmd(kind))
	cmd.AddCommand(exchangeListCmd(kind))
	cmd.AddCommand(exchangeShowCmd())
	cmd.AddCommand(exchangeUpdateCmd())
	cmd.AddCommand(exchangeDestroyCmd())
	cmd.AddCommand(exchangeMatchesCmd())
	return cmd
}

func exchangeCreateCmd(kind domain.Kind) *cobra.Command {
	var f exchangeFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: fmt.Sprintf("Create an %s", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ExchangeCreateOptions{
					ID:          f.id,
					Kind:        kind,
					Name:        f.text(cmd, "name", f.name, "name-i18n", f.names, e.Config.Locales.Default),
					Description: f.text(cmd, "description", f.description, "description-i18n", f.descs, e.Config.Locales.Default),
					Status:      f.status,
					Urgency:     f.urgency,
					CategoryIDs: f.categories,
					Target:      f.target(cmd),
					ActorID:     actorID(),
				}
				if f.addressChanged(cmd) {
					addr := f.address
					opts.Address = &addr
				}
				ex, err := e.CreateExchange(ctx, opts)
				if err != nil {
					return err
				}
				return printExchanges(e, ex)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.id, "id", "", "record id (generated when empty)")
	return cmd
}

func exchangeListCmd(kind domain.Kind) *cobra.Command {
	var f repo.ExchangeFilters
	var targetType, targetID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: fmt.Sprintf("List %ss", kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Kind = kind
			if targetType != "" || targetID != "" {
				f.Target = &domain.Target{Type: targetType, ID: targetID}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListExchanges(ctx, f)
				if err != nil {
					return err
				}
				return printExchanges(e, items...)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CategoryID, "category", "", "category filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&targetType, "target-type", "", "target type filter")
	cmd.Flags().StringVar(&targetID, "target-id", "", "target id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func exchangeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ex, err := e.GetExchange(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ex)
			})
		},
	}
}

func exchangeUpdateCmd() *cobra.Command {
	var f exchangeFlags
	var clearAddress, clearTarget bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ExchangeUpdateOptions{
					ID:           args[0],
					ClearAddress: clearAddress,
					Target:       f.target(cmd),
					ClearTarget:  clearTarget,
					ActorID:      actorID(),
				}
				name := f.text(cmd, "name", f.name, "name-i18n", f.names, e.Config.Locales.Default)
				desc := f.text(cmd, "description", f.description, "description-i18n", f.descs, e.Config.Locales.Default)
				if name != nil || desc != nil {
					cur, err := e.GetExchange(ctx, args[0])
					if err != nil {
						return err
					}
					if name != nil {
						opts.Name = merge(cur.Name, name)
					}
					if desc != nil {
						opts.Description = merge(cur.Description, desc)
					}
				}
				if cmd.Flags().Changed("status") {
					opts.Status = &f.status
				}
				if cmd.Flags().Changed("urgency") {
					opts.Urgency = &f.urgency
				}
				if cmd.Flags().Changed("category") {
					opts.CategoryIDs = append([]string{}, f.categories...)
				}
				if f.addressChanged(cmd) {
					addr := f.address
					opts.Address = &addr
				}
				ex, err := e.UpdateExchange(ctx, opts)
				if err != nil {
					return err
				}
				return printExchanges(e, ex)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&clearAddress, "clear-address", false, "remove the address")
	cmd.Flags().BoolVar(&clearTarget, "clear-target", false, "remove the target scope")
	return cmd
}

// merge overlays changes on cur. Empty values remove a translation.
func merge(cur, changes domain.LocalizedText) domain.LocalizedText {
	out := domain.LocalizedText{}
	for k, v := range cur {
		out[k] = v
	}
	for k, v := range changes {
		if strings.TrimSpace(v) == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func exchangeDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy a record with its agreements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DestroyExchange(ctx, args[0], actorID())
			})
		},
	}
}

func exchangeMatchesCmd() *cobra.Command {
	var opts match.Options
	cmd := &cobra.Command{
		Use:   "matches <id>",
		Short: "List counterparts sharing a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.Exchange
				for ex, err := range e.FindMatches(ctx, args[0], opts) {
					if err != nil {
						return err
					}
					items = append(items, ex)
				}
				return printExchanges(e, items...)
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "only counterparts in these statuses")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum matches")
	return cmd
}

func printExchanges(e engine.Engine, items ...domain.Exchange) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	locale := e.Config.Locales.Default
	tw := newTable("ID", "Kind", "Name", "Status", "Urgency", "Categories", "Creator")
	for _, ex := range items {
		tw.AppendRow(table.Row{ex.ID, ex.Kind, ex.Name.Any(locale), ex.Status, ex.Urgency, strings.Join(ex.CategoryIDs, ","), ex.CreatorID})
	}
	tw.Render()
	return nil
}

func agreementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agreement",
		Short: "Bind offers to requests",
	}
	var opts engine.AgreementCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Propose an agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgreement(ctx, opts)
				if err != nil {
					return err
				}
				return printAgreements(a)
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "agreement id (generated when empty)")
	create.Flags().StringVar(&opts.OfferID, "offer", "", "offer id")
	create.Flags().StringVar(&opts.RequestID, "request", "", "request id")
	create.Flags().StringVar(&opts.Terms, "terms", "", "terms")
	create.Flags().StringVar(&opts.Value, "value", "", "agreed value")
	_ = create.MarkFlagRequired("offer")
	_ = create.MarkFlagRequired("request")

	decide := func(use, short string, op func(engine.Engine) func(context.Context, string, string) (domain.Agreement, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					a, err := op(e)(ctx, args[0], actorID())
					if err != nil {
						return err
					}
					return printAgreements(a)
				})
			},
		}
	}

	var f repo.AgreementFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgreements(ctx, f)
				if err != nil {
					return err
				}
				return printAgreements(items...)
			})
		},
	}
	list.Flags().StringVar(&f.ExchangeID, "exchange", "", "offer or request id")
	list.Flags().StringVar(&f.Status, "status", "", "pending, accepted or rejected")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")

	cmd.AddCommand(
		create,
		decide("accept", "Accept a pending agreement", func(e engine.Engine) func(context.Context, string, string) (domain.Agreement, error) {
			return e.AcceptAgreement
		}),
		decide("reject", "Reject a pending agreement", func(e engine.Engine) func(context.Context, string, string) (domain.Agreement, error) {
			return e.RejectAgreement
		}),
		list,
	)
	return cmd
}

func printAgreements(items ...domain.Agreement) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := newTable("ID", "Offer", "Request", "Status", "Terms", "Updated")
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.OfferID, a.RequestID, a.Status, a.Terms, a.UpdatedAt})
	}
	tw.Render()
	return nil
}

func linkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Thread records as responses to each other",
	}
	var opts engine.LinkOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Record --response as a response to --source",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Link(ctx, opts)
				if err != nil {
					return err
				}
				return printLinks(l)
			})
		},
	}
	create.Flags().StringVar(&opts.SourceID, "source", "", "record being answered")
	create.Flags().StringVar(&opts.ResponseID, "response", "", "answering record")
	_ = create.MarkFlagRequired("source")
	_ = create.MarkFlagRequired("response")

	var exchangeID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List links, optionally those touching --exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListLinks(ctx, exchangeID)
				if err != nil {
					return err
				}
				return printLinks(items...)
			})
		},
	}
	list.Flags().StringVar(&exchangeID, "exchange", "", "offer or request id")
	cmd.AddCommand(create, list)
	return cmd
}

func printLinks(items ...domain.ResponseLink) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	deref := func(s *string) string {
		if s == nil {
			return "(destroyed)"
		}
		return *s
	}
	tw := newTable("ID", "Source", "Response", "Creator", "Created")
	for _, l := range items {
		tw.AppendRow(table.Row{l.ID, deref(l.SourceID), deref(l.ResponseID), l.CreatorID, l.CreatedAt})
	}
	tw.Render()
	return nil
}
