package domain

import "context"

// Visit is a storefront request that carried a referral code.
type Visit struct {
	VisitorID   string
	Code        string
	IPAddress   string
	UserAgent   string
	Referrer    string
	LandingPath string
}

type TrackResult struct {
	Captured     bool
	ClickLogged  bool
	AffiliateID  string
	ReferralCode string
}

// Service never returns storage errors: attribution must not block
// navigation, so failures degrade to "no attribution".
type Service interface {
	Capture(ctx context.Context, visitorID, code string) bool
	Get(ctx context.Context, visitorID string) (Record, bool)
	Clear(ctx context.Context, visitorID string)
	Track(ctx context.Context, visit Visit) TrackResult
	Policy() Policy
}
