package domain

import "errors"

// Configuration errors. They are raised before any write and name the
// missing reference in the wrapped message.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrSNIGroupNotFound = errors.New("sni group not found")
	ErrTemplateMissing  = errors.New("template missing")
	ErrNoTransport      = errors.New("no transport configured")
)
