// Package targeting selects companies from the fact store for a campaign,
// grades how well each matches and links them into the campaign's sequence.
package targeting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadline/internal/companies"
	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/emails"
	"leadline/internal/logging"
	"leadline/internal/repo"
	"leadline/internal/suppression"
)

const maxTier = 5

// Request is one targeting run. Soft filters left empty are inactive.
type Request struct {
	Campaign string

	WebsiteStatus string
	EmailStatus   string
	RequireSNI    bool
	ExcludeDNC    bool

	Cities     []string
	SNI        []string
	SNIGroups  []string
	SNIMatch   string
	Employees  []string
	FoundedMin time.Time
	FoundedMax time.Time
	Tech       *bool
	Reviews    *bool

	Limit          int
	StaggerMinutes int
	MatchMode      string
}

// DefaultRequest fills the hard filters and run options from configuration.
func DefaultRequest(cfg config.Targeting, campaign string) Request {
	return Request{
		Campaign:       campaign,
		WebsiteStatus:  cfg.WebsiteStatus,
		EmailStatus:    cfg.EmailStatus,
		RequireSNI:     cfg.RequireSNI,
		ExcludeDNC:     cfg.ExcludeDNC,
		SNIMatch:       cfg.SNIMatch,
		Limit:          cfg.Limit,
		StaggerMinutes: cfg.StaggerMinutes,
		MatchMode:      cfg.MatchMode,
	}
}

// Summary itemises a run by outcome.
type Summary struct {
	RunID          string      `json:"run_id"`
	Campaign       string      `json:"campaign"`
	MatchMode      string      `json:"match_mode"`
	Matched        int         `json:"matched"`
	Suppressed     int         `json:"suppressed"`
	Selected       int         `json:"selected"`
	SkippedNoEmail int         `json:"skipped_no_email"`
	LeadsUpserted  int         `json:"leads_upserted"`
	LinksCreated   int         `json:"links_created"`
	LinksExisting  int         `json:"links_existing"`
	// Tiers counts the links created by this run; existing links keep the
	// tier they were created with.
	Tiers          map[int]int `json:"tiers"`
	DroppedFilters []string    `json:"dropped_filters,omitempty"`
}

type Selector struct {
	Repo        repo.Repo
	Companies   companies.Store
	Suppression suppression.Policy
	Config      config.Targeting
	Log         logging.Logger
	Now         func() time.Time
}

func (s Selector) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Selector) log() logging.Logger {
	if s.Log == nil {
		return logging.NewNop()
	}
	return s.Log
}

type candidate struct {
	company companies.Company
	tier    int
	score   float64
	flags   map[string]bool
}

// Run executes one targeting pass. Unknown campaigns and SNI groups fail
// before anything is written. Each candidate commits on its own.
func (s Selector) Run(ctx context.Context, req Request) (Summary, error) {
	sum := Summary{RunID: uuid.NewString(), Campaign: req.Campaign, Tiers: map[int]int{}}
	campaign, err := s.Repo.GetCampaignByName(ctx, req.Campaign)
	if errors.Is(err, repo.ErrNotFound) {
		return sum, fmt.Errorf("%w: %s", domain.ErrCampaignNotFound, req.Campaign)
	}
	if err != nil {
		return sum, err
	}
	codes, err := s.resolveSNI(req)
	if err != nil {
		return sum, err
	}
	mode := req.MatchMode
	if mode == "" {
		mode = config.MatchStrict
	}
	if mode != config.MatchStrict && mode != config.MatchBestEffort {
		return sum, fmt.Errorf("unknown match mode %q", mode)
	}
	sum.MatchMode = mode

	schema, err := s.Companies.Schema(ctx)
	if err != nil {
		return sum, err
	}
	hard := hardFilters(req)
	soft := softFilters(req, codes)
	active := soft[:0]
	for _, p := range soft {
		if !schema.Supports(p) {
			sum.DroppedFilters = append(sum.DroppedFilters, p.Name())
			s.log().Warn("soft filter dropped: column missing in company store",
				logging.String("filter", p.Name()), logging.Strings("columns", p.Columns()), logging.String("run_id", sum.RunID))
			continue
		}
		active = append(active, p)
	}
	soft = active

	plan := companies.Plan{Predicates: hard}
	if mode == config.MatchStrict {
		plan.Predicates = append(append([]companies.Predicate{}, hard...), soft...)
	}
	rows, err := s.Companies.Query(ctx, schema, plan)
	if err != nil {
		return sum, err
	}
	sum.Matched = len(rows)

	var blocked map[string]struct{}
	if req.ExcludeDNC {
		if blocked, err = s.Suppression.SuppressedOrgnrs(ctx); err != nil {
			return sum, err
		}
	}
	cands := make([]candidate, 0, len(rows))
	for _, c := range rows {
		if _, ok := blocked[c.Orgnr]; ok {
			sum.Suppressed++
			continue
		}
		cands = append(cands, s.grade(c, soft, schema))
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].tier != cands[j].tier {
			return cands[i].tier < cands[j].tier
		}
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].company.Orgnr < cands[j].company.Orgnr
	})
	if req.Limit > 0 && len(cands) > req.Limit {
		cands = cands[:req.Limit]
	}
	sum.Selected = len(cands)

	now := s.now()
	stagger := time.Duration(req.StaggerMinutes) * time.Minute
	slot := 0
	for _, cand := range cands {
		linked, created, err := s.admit(ctx, campaign, cand, now.Add(time.Duration(slot)*stagger), now)
		if err != nil {
			return sum, fmt.Errorf("admit %s: %w", cand.company.Orgnr, err)
		}
		sum.LeadsUpserted++
		if !linked {
			sum.SkippedNoEmail++
			continue
		}
		slot++
		if created {
			sum.Tiers[cand.tier]++
			sum.LinksCreated++
		} else {
			sum.LinksExisting++
		}
	}
	s.log().Info("targeting run complete",
		logging.String("run_id", sum.RunID), logging.String("campaign", campaign.Name), logging.String("match_mode", mode),
		logging.Int("matched", sum.Matched), logging.Int("suppressed", sum.Suppressed),
		logging.Int("links_created", sum.LinksCreated), logging.Int("skipped_no_email", sum.SkippedNoEmail))
	return sum, nil
}

func (s Selector) resolveSNI(req Request) ([]string, error) {
	seen := map[string]bool{}
	var codes []string
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c != "" && !seen[c] {
			seen[c] = true
			codes = append(codes, c)
		}
	}
	for _, c := range req.SNI {
		add(c)
	}
	for _, g := range req.SNIGroups {
		group, ok := s.Config.SNIGroup(strings.TrimSpace(g))
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrSNIGroupNotFound, g)
		}
		for _, c := range group {
			add(c)
		}
	}
	return codes, nil
}

func hardFilters(req Request) []companies.Predicate {
	var out []companies.Predicate
	if req.WebsiteStatus != "" {
		out = append(out, companies.WebsiteStatusFilter{Status: req.WebsiteStatus})
	}
	if req.EmailStatus != "" {
		out = append(out, companies.EmailStatusFilter{Status: req.EmailStatus})
	}
	if req.RequireSNI {
		out = append(out, companies.ValidSNIFilter{})
	}
	return out
}

func softFilters(req Request, codes []string) []companies.Predicate {
	var out []companies.Predicate
	if len(req.Cities) > 0 {
		out = append(out, companies.CityFilter{Cities: req.Cities})
	}
	if len(codes) > 0 {
		out = append(out, companies.SNIFilter{Codes: codes, Exact: req.SNIMatch == config.SNIExact})
	}
	if len(req.Employees) > 0 {
		out = append(out, companies.EmployeeFilter{Buckets: req.Employees})
	}
	if !req.FoundedMin.IsZero() || !req.FoundedMax.IsZero() {
		out = append(out, companies.FoundedFilter{Min: req.FoundedMin, Max: req.FoundedMax})
	}
	if req.Tech != nil {
		out = append(out, companies.SignalFilter{Signal: companies.SignalTech, Want: *req.Tech})
	}
	if req.Reviews != nil {
		out = append(out, companies.SignalFilter{Signal: companies.SignalReviews, Want: *req.Reviews})
	}
	return out
}

// grade computes tier and score. Tier counts missed active soft filters, so
// it is always 1 under strict matching.
func (s Selector) grade(c companies.Company, soft []companies.Predicate, schema companies.Schema) candidate {
	flags := make(map[string]bool, len(soft))
	misses := 0
	for _, p := range soft {
		ok := p.Match(c)
		flags[p.Name()] = ok
		if !ok {
			misses++
		}
	}
	tier := 1 + misses
	if tier > maxTier {
		tier = maxTier
	}
	score := float64(6-tier) * 100
	if schema.Has(string(companies.SignalTech)) && c.HasTech {
		score += s.Config.Bonus.Tech
	}
	if schema.Has(string(companies.SignalReviews)) && c.HasReviews {
		score += s.Config.Bonus.Reviews
	}
	return candidate{company: c, tier: tier, score: score, flags: flags}
}

// admit upserts the lead snapshot and links it when it has an address.
func (s Selector) admit(ctx context.Context, campaign domain.Campaign, cand candidate, sendAt, now time.Time) (linked, created bool, err error) {
	tx, err := s.Repo.Begin(ctx)
	if err != nil {
		return false, false, err
	}
	defer tx.Rollback()
	c := cand.company
	leadID, err := s.Repo.UpsertLead(ctx, tx, domain.Lead{
		Orgnr:       c.Orgnr,
		CompanyName: c.Name,
		City:        c.City,
		SNICodes:    c.SNICodes,
		Website:     c.Website,
		LeadType:    campaign.LeadType,
	}, now)
	if err != nil {
		return false, false, fmt.Errorf("upsert lead: %w", err)
	}
	addrs := emails.Parse(c.Emails)
	if err := s.Repo.ReplaceLeadEmails(ctx, tx, leadID, addrs); err != nil {
		return false, false, fmt.Errorf("store emails: %w", err)
	}
	if len(addrs) > 0 {
		tier := cand.tier
		created, err = s.Repo.InsertLinkIfAbsent(ctx, tx, domain.Link{
			LeadID:     leadID,
			CampaignID: campaign.ID,
			NextSendAt: &sendAt,
			Tier:       &tier,
			MatchFlags: cand.flags,
			Score:      cand.score,
		}, now)
		if err != nil {
			return false, false, fmt.Errorf("link lead: %w", err)
		}
		linked = true
	}
	return linked, created, tx.Commit()
}
