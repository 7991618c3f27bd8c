package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"leadline/internal/app"
	"leadline/internal/config"
	"leadline/internal/engine"
	"leadline/internal/repo"
	"leadline/internal/sending"
	"leadline/internal/targeting"
)

type targetFlags struct {
	campaign       string
	cities         []string
	sni            []string
	sniGroups      []string
	sniMatch       string
	employees      []string
	foundedMin     string
	foundedMax     string
	tech           string
	review         string
	limit          int
	staggerMinutes int
	matchMode      string
	websiteStatus  string
	emailStatus    string
	requireSNI     bool
	excludeDNC     bool
}

// request layers explicitly set flags over the configured defaults.
func (f targetFlags) request(cfg config.Targeting, flags *pflag.FlagSet) (targeting.Request, error) {
	req := targeting.DefaultRequest(cfg, strings.TrimSpace(f.campaign))
	if req.Campaign == "" {
		return req, fmt.Errorf("--campaign is required")
	}
	req.Cities = trimAll(f.cities)
	req.SNI = trimAll(f.sni)
	req.SNIGroups = trimAll(f.sniGroups)
	req.Employees = trimAll(f.employees)
	set := func(name string) bool { return flags != nil && flags.Changed(name) }
	if set("sni-match") {
		req.SNIMatch = f.sniMatch
	}
	if set("limit") {
		req.Limit = f.limit
	}
	if set("stagger-minutes") {
		req.StaggerMinutes = f.staggerMinutes
	}
	if set("match-mode") {
		req.MatchMode = f.matchMode
	}
	if set("website-status") {
		req.WebsiteStatus = f.websiteStatus
	}
	if set("email-status") {
		req.EmailStatus = f.emailStatus
	}
	if set("require-sni") {
		req.RequireSNI = f.requireSNI
	}
	if set("exclude-dnc") {
		req.ExcludeDNC = f.excludeDNC
	}
	var err error
	if req.FoundedMin, err = parseDate("founded-min", f.foundedMin); err != nil {
		return req, err
	}
	if req.FoundedMax, err = parseDate("founded-max", f.foundedMax); err != nil {
		return req, err
	}
	if req.Tech, err = parseYesNo("tech", f.tech); err != nil {
		return req, err
	}
	if req.Reviews, err = parseYesNo("review", f.review); err != nil {
		return req, err
	}
	switch req.SNIMatch {
	case config.SNIPrefix, config.SNIExact:
	default:
		return req, fmt.Errorf("--sni-match must be %s or %s", config.SNIPrefix, config.SNIExact)
	}
	switch req.MatchMode {
	case config.MatchStrict, config.MatchBestEffort:
	default:
		return req, fmt.Errorf("--match-mode must be %s or %s", config.MatchStrict, config.MatchBestEffort)
	}
	if req.Limit < 0 || req.StaggerMinutes < 0 {
		return req, fmt.Errorf("--limit and --stagger-minutes must be >= 0")
	}
	return req, nil
}

func targetCmd() *cobra.Command {
	var f targetFlags
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Select companies and link them to a campaign",
		Long:  "Reads company facts, drops suppressed organisations, grades each candidate into tier 1-5 with a score, upserts the lead and links it to the campaign with a staggered first send time. Re-running is safe: existing links are left alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				req, err := f.request(a.Config.Targeting, cmd.Flags())
				if err != nil {
					return err
				}
				sel, err := a.Selector()
				if err != nil {
					return err
				}
				sum, err := sel.Run(ctx, req)
				if err != nil {
					return err
				}
				if msg := droppedFiltersWarning(sum); msg != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), msg)
				}
				return printJSONOrTable(sum, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("target %s (%s)", sum.Campaign, sum.MatchMode))
					tw.AppendHeader(table.Row{"Outcome", "Count"})
					tw.AppendRows([]table.Row{
						{"matched", sum.Matched},
						{"suppressed", sum.Suppressed},
						{"selected", sum.Selected},
						{"skipped (no email)", sum.SkippedNoEmail},
						{"leads upserted", sum.LeadsUpserted},
						{"links created", sum.LinksCreated},
						{"links existing", sum.LinksExisting},
					})
					for _, tier := range sortedTiers(sum.Tiers) {
						tw.AppendRow(table.Row{fmt.Sprintf("tier %d", tier), sum.Tiers[tier]})
					}
					if len(sum.DroppedFilters) > 0 {
						tw.AppendSeparator()
						tw.AppendRow(table.Row{"DROPPED FILTERS", strings.Join(sum.DroppedFilters, ", ")})
					}
					tw.AppendFooter(table.Row{"run", sum.RunID})
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.campaign, "campaign", "", "campaign name")
	cmd.Flags().StringSliceVar(&f.cities, "cities", nil, "cities (comma separated)")
	cmd.Flags().StringSliceVar(&f.sni, "sni", nil, "SNI codes or prefixes")
	cmd.Flags().StringSliceVar(&f.sniGroups, "sni-groups", nil, "named SNI groups from config")
	cmd.Flags().StringVar(&f.sniMatch, "sni-match", config.SNIPrefix, "prefix or exact")
	cmd.Flags().StringSliceVar(&f.employees, "employees", nil, "employee classes, e.g. 10-19,20-49")
	cmd.Flags().StringVar(&f.foundedMin, "founded-min", "", "earliest founding date YYYY-MM-DD")
	cmd.Flags().StringVar(&f.foundedMax, "founded-max", "", "latest founding date YYYY-MM-DD")
	cmd.Flags().StringVar(&f.tech, "tech", "", "require tech signal: yes or no")
	cmd.Flags().StringVar(&f.review, "review", "", "require review signal: yes or no")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "max leads to link (0 = no limit)")
	cmd.Flags().IntVar(&f.staggerMinutes, "stagger-minutes", 0, "minutes between first sends")
	cmd.Flags().StringVar(&f.matchMode, "match-mode", config.MatchStrict, "strict or best-effort")
	cmd.Flags().StringVar(&f.websiteStatus, "website-status", "", "required website_status")
	cmd.Flags().StringVar(&f.emailStatus, "email-status", "", "required email_status")
	cmd.Flags().BoolVar(&f.requireSNI, "require-sni", true, "require a valid SNI code")
	cmd.Flags().BoolVar(&f.excludeDNC, "exclude-dnc", true, "exclude suppressed organisations")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func sendCmd() *cobra.Command {
	var req sending.Request
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Render and send the due step of a campaign",
		Long:  "Processes due links in priority order. Dry-run campaigns record queued messages only; live campaigns deliver through the configured transport. With --advance-state each processed link moves to its next step.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				snd, err := a.Sender(ctx)
				if err != nil {
					return err
				}
				sum, err := snd.Run(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum, func(tw table.Writer) {
					mode := "live"
					if sum.DryRun {
						mode = "dry-run"
					}
					tw.SetTitle(fmt.Sprintf("send %s (%s)", sum.Campaign, mode))
					tw.AppendHeader(table.Row{"Outcome", "Count"})
					tw.AppendRows([]table.Row{
						{"due", sum.Due},
						{"rendered", sum.Rendered},
						{"queued", sum.Queued},
						{"sent", sum.Sent},
						{"failed", sum.Failed},
						{"skipped (no email)", sum.SkippedNoEmail},
						{"completed", sum.Completed},
						{"advanced", sum.Advanced},
					})
					tw.AppendFooter(table.Row{"run", sum.RunID})
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.Campaign, "campaign", "", "campaign name")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "max links to process (default from config)")
	cmd.Flags().BoolVar(&req.AdvanceState, "advance-state", false, "advance each processed link to its next step")
	cmd.Flags().BoolVar(&req.ForceDryRun, "dry-run", false, "queue only, even for a live campaign")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func markCmd() *cobra.Command {
	var req engine.MarkRequest
	cmd := &cobra.Command{
		Use:       "mark <contacted|replied|bounced|booked|won|lost|unsubscribed|complaint|manual-stop>",
		Short:     "Report an outcome for a lead or message",
		Long:      "Records one event per affected link, stops active links (the first stop reason wins) and moves the lead status forward. Without --campaign-id every active link of the lead is affected. bounced, complaint and unsubscribed put the company on the do-not-contact list.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"contacted", "replied", "bounced", "booked", "won", "lost", "unsubscribed", "complaint", "manual-stop"},
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := engine.ParseMarkType(args[0])
			if err != nil {
				return err
			}
			req.Type = t
			if req.LeadID == 0 && req.MessageID == 0 {
				return fmt.Errorf("--lead-id or --message-id is required")
			}
			req.Source = "cli"
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Mark(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("%s: lead %d (%s) -> %s", req.Type, res.LeadID, res.Orgnr, res.Status))
					tw.AppendHeader(table.Row{"Link", "Campaign", "State", "Changed"})
					for _, l := range res.Links {
						tw.AppendRow(table.Row{l.LinkID, l.CampaignID, l.State.String(), l.Changed})
					}
					tw.AppendFooter(table.Row{"events", fmt.Sprint(res.EventIDs), "suppressed", res.Suppressed})
				})
			})
		},
	}
	cmd.Flags().Int64Var(&req.LeadID, "lead-id", 0, "lead id")
	cmd.Flags().Int64Var(&req.MessageID, "message-id", 0, "message id")
	cmd.Flags().Int64Var(&req.CampaignID, "campaign-id", 0, "campaign id (default: every active link)")
	cmd.Flags().StringVar(&req.Note, "reason", "", "free-text reason or note")
	return cmd
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Manage campaigns and their step templates"}
	c.AddCommand(campaignImportCmd())
	c.AddCommand(campaignListCmd())
	c.AddCommand(campaignShowCmd())
	return c
}

func campaignImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update a campaign from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := engine.LoadCampaignFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				d, err := a.Engine.ImportCampaign(ctx, f)
				if err != nil {
					return err
				}
				return printCampaign(d)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "campaign YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func campaignListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Engine.ListCampaigns(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Name", "Lead type", "From", "Dry run"})
					for _, c := range items {
						tw.AppendRow(table.Row{c.ID, c.Name, c.LeadType, c.FromEmail, c.DryRun})
					}
				})
			})
		},
	}
}

func campaignShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a campaign and its templates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				d, err := a.Engine.Campaign(ctx, args[0])
				if err != nil {
					return err
				}
				return printCampaign(d)
			})
		},
	}
}

func printCampaign(d engine.CampaignDetail) error {
	return printJSONOrTable(d, func(tw table.Writer) {
		tw.SetTitle(fmt.Sprintf("%s (id %d, %s, dry_run=%t)", d.Name, d.ID, d.LeadType, d.DryRun))
		tw.AppendHeader(table.Row{"Step", "Variant", "Subject"})
		for _, t := range d.Templates {
			tw.AppendRow(table.Row{t.Step, t.Variant, t.Subject})
		}
	})
}

func statsCmd() *cobra.Command {
	var campaign string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show link, message and event counts for a campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				st, err := a.Engine.Stats(ctx, campaign)
				if err != nil {
					return err
				}
				return printJSONOrTable(st, func(tw table.Writer) {
					tw.SetTitle("stats " + st.Campaign.Name)
					tw.AppendHeader(table.Row{"Group", "Key", "Count"})
					tw.AppendRow(table.Row{"links", "total", st.Links.Total})
					tw.AppendRow(table.Row{"links", "active", st.Links.Active})
					appendCounts(tw, "stopped", st.Links.Stopped)
					for _, tier := range sortedTiers(st.Links.Tiers) {
						tw.AppendRow(table.Row{"tiers", tier, st.Links.Tiers[tier]})
					}
					appendCounts(tw, "messages", st.Messages)
					appendCounts(tw, "events", st.Events)
				})
			})
		},
	}
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign name")
	_ = cmd.MarkFlagRequired("campaign")
	return cmd
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Inspect the event log"}
	var f repo.EventFilter
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if evtType != "" {
				t, err := engine.ParseMarkType(evtType)
				if err != nil {
					return err
				}
				f.Type = t
			}
			f.Latest = f.AfterID == 0
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Created", "Type", "Lead", "Campaign", "Message", "Meta"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.Type, e.LeadID, optionalID(e.CampaignID), optionalID(e.MessageID), e.Meta})
					}
				})
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	tail.Flags().Int64Var(&f.LeadID, "lead-id", 0, "lead filter")
	tail.Flags().Int64Var(&f.CampaignID, "campaign-id", 0, "campaign filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id")
	ev.AddCommand(tail)
	return ev
}

// droppedFiltersWarning names requested filters the company store could not
// apply. The run matched more widely than asked.
func droppedFiltersWarning(sum targeting.Summary) string {
	if len(sum.DroppedFilters) == 0 {
		return ""
	}
	return fmt.Sprintf("warning: company store lacks the columns for %s; these filters were NOT applied and %d companies matched without them",
		strings.Join(sum.DroppedFilters, ", "), sum.Matched)
}

func appendCounts(tw table.Writer, group string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tw.AppendRow(table.Row{group, k, counts[k]})
	}
}

func sortedTiers(tiers map[int]int) []int {
	out := make([]int, 0, len(tiers))
	for t := range tiers {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

func optionalID(id *int64) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(*id)
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDate(flag, value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
	}
	return t, nil
}

func parseYesNo(flag, value string) (*bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return nil, nil
	case "yes", "y", "true", "1":
		v := true
		return &v, nil
	case "no", "n", "false", "0":
		v := false
		return &v, nil
	}
	return nil, fmt.Errorf("--%s must be yes or no, got %q", flag, value)
}
