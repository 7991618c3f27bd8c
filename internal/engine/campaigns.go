package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"leadline/internal/domain"
	"leadline/internal/repo"
	"leadline/internal/sending"
)

// CampaignFile is the YAML definition of a campaign and its step templates.
type CampaignFile struct {
	Name      string         `yaml:"name"`
	LeadType  string         `yaml:"lead_type"`
	FromName  string         `yaml:"from_name"`
	FromEmail string         `yaml:"from_email"`
	ReplyTo   string         `yaml:"reply_to"`
	DryRun    *bool          `yaml:"dry_run"`
	Steps     []CampaignStep `yaml:"steps"`
}

type CampaignStep struct {
	Step    int    `yaml:"step"`
	Variant string `yaml:"variant"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

func LoadCampaignFile(path string) (CampaignFile, error) {
	var f CampaignFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("invalid campaign yaml: %w", err)
	}
	return f, nil
}

// CampaignDetail is a campaign with its templates.
type CampaignDetail struct {
	domain.Campaign
	Templates []domain.Template `json:"templates"`
}

// ImportCampaign creates or replaces a campaign definition. Campaigns are
// dry-run unless the file says otherwise.
func (e Engine) ImportCampaign(ctx context.Context, f CampaignFile) (CampaignDetail, error) {
	c := domain.Campaign{
		Name:      strings.TrimSpace(f.Name),
		LeadType:  domain.LeadType(strings.TrimSpace(f.LeadType)),
		FromName:  f.FromName,
		FromEmail: strings.TrimSpace(f.FromEmail),
		ReplyTo:   strings.TrimSpace(f.ReplyTo),
		DryRun:    true,
	}
	if c.Name == "" {
		return CampaignDetail{}, errors.New("campaign name is required")
	}
	if c.LeadType == "" {
		c.LeadType = domain.LeadCustomer
	}
	if !c.LeadType.Valid() {
		return CampaignDetail{}, fmt.Errorf("lead_type must be supplier or customer, got %q", c.LeadType)
	}
	if f.DryRun != nil {
		c.DryRun = *f.DryRun
	}
	if !c.DryRun && c.FromEmail == "" {
		return CampaignDetail{}, fmt.Errorf("campaign %s: from_email is required when dry_run is false", c.Name)
	}
	templates := make([]domain.Template, 0, len(f.Steps))
	seen := map[string]bool{}
	for _, s := range f.Steps {
		variant := strings.TrimSpace(s.Variant)
		if variant == "" {
			variant = "A"
		}
		key := fmt.Sprintf("%d/%s", s.Step, variant)
		if seen[key] {
			return CampaignDetail{}, fmt.Errorf("campaign %s: duplicate step %d variant %s", c.Name, s.Step, variant)
		}
		seen[key] = true
		templates = append(templates, domain.Template{Step: s.Step, Variant: variant, Subject: s.Subject, Body: s.Body})
	}
	if err := sending.CheckSequence(e.Renderer, c.Name, templates); err != nil {
		return CampaignDetail{}, err
	}

	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CampaignDetail{}, err
	}
	defer tx.Rollback()
	id, err := e.Repo.UpsertCampaign(ctx, tx, c, now)
	if err != nil {
		return CampaignDetail{}, fmt.Errorf("upsert campaign: %w", err)
	}
	if err := e.Repo.ReplaceTemplates(ctx, tx, id, templates, now); err != nil {
		return CampaignDetail{}, fmt.Errorf("store templates: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CampaignDetail{}, err
	}
	return e.Campaign(ctx, c.Name)
}

// Campaign loads a campaign by name with its templates.
func (e Engine) Campaign(ctx context.Context, name string) (CampaignDetail, error) {
	c, err := e.Repo.GetCampaignByName(ctx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return CampaignDetail{}, fmt.Errorf("%w: %s", domain.ErrCampaignNotFound, name)
	}
	if err != nil {
		return CampaignDetail{}, err
	}
	ts, err := e.Repo.ListTemplates(ctx, c.ID)
	if err != nil {
		return CampaignDetail{}, err
	}
	return CampaignDetail{Campaign: c, Templates: ts}, nil
}
