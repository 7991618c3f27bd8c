package main

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/config"
	"leadline/internal/targeting"
)

func parsedFlags(t *testing.T, f *targetFlags, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("target", pflag.ContinueOnError)
	fs.StringVar(&f.campaign, "campaign", "", "")
	fs.StringSliceVar(&f.cities, "cities", nil, "")
	fs.StringVar(&f.sniMatch, "sni-match", config.SNIPrefix, "")
	fs.StringVar(&f.matchMode, "match-mode", config.MatchStrict, "")
	fs.IntVar(&f.limit, "limit", 0, "")
	fs.StringVar(&f.tech, "tech", "", "")
	fs.StringVar(&f.foundedMin, "founded-min", "", "")
	fs.BoolVar(&f.excludeDNC, "exclude-dnc", true, "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestTargetRequestLayersFlagsOverConfig(t *testing.T) {
	cfg := config.Default().Targeting
	var f targetFlags
	fs := parsedFlags(t, &f, "--campaign", " vvs-q3 ", "--cities", "Umeå, Luleå", "--limit", "25", "--tech", "yes", "--founded-min", "2010-01-01")

	req, err := f.request(cfg, fs)
	require.NoError(t, err)
	assert.Equal(t, "vvs-q3", req.Campaign)
	assert.Equal(t, []string{"Umeå", "Luleå"}, req.Cities)
	assert.Equal(t, 25, req.Limit)
	assert.Equal(t, cfg.StaggerMinutes, req.StaggerMinutes)
	assert.Equal(t, cfg.ExcludeDNC, req.ExcludeDNC)
	require.NotNil(t, req.Tech)
	assert.True(t, *req.Tech)
	assert.Nil(t, req.Reviews)
	assert.Equal(t, time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC), req.FoundedMin)
}

func TestTargetRequestRejectsBadFlags(t *testing.T) {
	cfg := config.Default().Targeting
	cases := map[string][]string{
		"missing campaign": {},
		"sni match":        {"--campaign", "c", "--sni-match", "fuzzy"},
		"match mode":       {"--campaign", "c", "--match-mode", "loose"},
		"negative limit":   {"--campaign", "c", "--limit", "-1"},
		"tech":             {"--campaign", "c", "--tech", "maybe"},
		"date":             {"--campaign", "c", "--founded-min", "2010/01/01"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			var f targetFlags
			_, err := f.request(cfg, parsedFlags(t, &f, args...))
			assert.Error(t, err)
		})
	}
}

func TestParseYesNo(t *testing.T) {
	v, err := parseYesNo("review", " No ")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.False(t, *v)

	v, err = parseYesNo("review", "")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDroppedFiltersWarning(t *testing.T) {
	assert.Empty(t, droppedFiltersWarning(targeting.Summary{Matched: 4}))

	msg := droppedFiltersWarning(targeting.Summary{Matched: 4, DroppedFilters: []string{"employees", "founded"}})
	assert.Contains(t, msg, "employees, founded")
	assert.Contains(t, msg, "NOT applied")
	assert.Contains(t, msg, "4 companies")
}
