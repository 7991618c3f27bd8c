// Package render fills step templates with Liquid. Rendering is permissive:
// a placeholder with no value renders as its default or as an empty string.
package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"leadline/internal/domain"
)

// Context is the set of values a template may reference.
type Context map[string]any

type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template
}

func New() *Renderer {
	engine := liquid.NewEngine()
	// {{ first_name | default: "där" }}
	engine.RegisterFilter("default", func(value any, fallback string) any {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); strings.TrimSpace(s) == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("first_word", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return ""
	})
	return &Renderer{engine: engine}
}

func (r *Renderer) parse(src string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	r.cache.Store(src, tpl)
	return tpl, nil
}

// Check reports syntax errors without rendering.
func (r *Renderer) Check(src string) error {
	_, err := r.parse(src)
	return err
}

func (r *Renderer) Render(src string, ctx Context) (string, error) {
	tpl, err := r.parse(src)
	if err != nil {
		return "", err
	}
	out, serr := tpl.RenderString(liquid.Bindings(ctx))
	if serr != nil {
		return "", serr
	}
	return out, nil
}

// ContextFor builds the rendering context from known lead fields and the
// campaign's sender settings. Keys are available flat and under "lead" and
// "campaign".
func ContextFor(lead domain.Lead, c domain.Campaign, to string, step int, variant string) Context {
	leadVals := map[string]any{
		"orgnr":        lead.Orgnr,
		"company_name": lead.CompanyName,
		"city":         lead.City,
		"sni_codes":    lead.SNICodes,
		"website":      lead.Website,
		"lead_type":    string(lead.LeadType),
		"email":        to,
	}
	campaignVals := map[string]any{
		"name":       c.Name,
		"from_name":  c.FromName,
		"from_email": c.FromEmail,
		"reply_to":   c.ReplyTo,
	}
	ctx := Context{
		"lead":          leadVals,
		"campaign":      campaignVals,
		"campaign_name": c.Name,
		"from_name":     c.FromName,
		"from_email":    c.FromEmail,
		"reply_to":      c.ReplyTo,
		"step":          step,
		"variant":       variant,
	}
	for k, v := range leadVals {
		ctx[k] = v
	}
	return ctx
}
