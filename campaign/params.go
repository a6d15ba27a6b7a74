package campaign

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"adlaunch/graph"
)

const localLayout = "2006-01-02T15:04:05"

// ToUTC interprets a client supplied wall clock time (with or without
// seconds) in loc and returns it in UTC.
func ToUTC(local string, loc *time.Location) (time.Time, error) {
	local = strings.TrimSpace(local)
	if len(local) == len("2006-01-02T15:04") {
		local += ":00"
	}
	t, err := time.ParseInLocation(localLayout, local, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", local, err)
	}
	return t.UTC(), nil
}

func cents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// CampaignParams builds the parameters for a new campaign.
func (c *Config) CampaignParams() graph.CampaignParams {
	p := graph.CampaignParams{
		Name:                c.CampaignName,
		Objective:           c.Objective,
		SpecialAdCategories: []string{"NONE"},
		BuyingType:          c.BuyingType,
	}
	if c.BuyingType == "AUCTION" && c.CBO {
		switch c.CampaignBudgetOptimization {
		case "LIFETIME_BUDGET":
			p.LifetimeBudget = cents(c.CampaignBudgetValue)
		default:
			p.DailyBudget = cents(c.CampaignBudgetValue)
		}
		p.BidStrategy = c.CampaignBidStrategy
	}
	return p
}

// AdSetParams builds the parameters for the ad set of one media group.
// existingCBO reports that the target campaign already carries the budget.
func (c *Config) AdSetParams(campaignID, name string, loc *time.Location, existingCBO bool, now time.Time) (graph.AdSetParams, error) {
	start, err := c.startTime(loc, now)
	if err != nil {
		return graph.AdSetParams{}, err
	}
	event, window, err := attributionWindow(c.AttributionSetting)
	if err != nil {
		return graph.AdSetParams{}, err
	}

	p := graph.AdSetParams{
		Name:             name,
		CampaignID:       campaignID,
		BillingEvent:     "IMPRESSIONS",
		OptimizationGoal: c.OptimizationGoal,
		StartTime:        start.Format(time.RFC3339),
		AttributionSpec:  []graph.AttributionSpec{{EventType: event, WindowDays: window}},
		PromotedObject:   c.promotedObject(),
	}

	if strings.EqualFold(c.TargetingType, "Advantage") {
		p.TargetingOptimizationType = "TARGETING_OPTIMIZATION_ADVANTAGE_PLUS"
		p.Targeting = graph.Targeting{GeoLocations: graph.GeoLocations{Countries: c.Countries}}
	} else {
		p.Targeting = c.targeting()
	}

	if c.bidCapped() {
		p.BidAmount = cents(c.BidAmount)
	}

	cbo := c.CBO || existingCBO
	if !cbo {
		if c.BuyingType == "RESERVED" {
			p.RFPredictionID = c.PredictionID
		} else {
			p.BidStrategy = c.AdSetBidStrategy
		}
		switch c.AdSetBudgetOptimization {
		case "LIFETIME_BUDGET":
			p.LifetimeBudget = cents(c.AdSetBudgetValue)
			if err := c.setEndTime(&p, loc); err != nil {
				return graph.AdSetParams{}, err
			}
		default:
			p.DailyBudget = cents(c.AdSetBudgetValue)
		}
	} else if c.CampaignBudgetOptimization == "LIFETIME_BUDGET" {
		if err := c.setEndTime(&p, loc); err != nil {
			return graph.AdSetParams{}, err
		}
	}
	return p, nil
}

// startTime defaults to 04:00 tomorrow in the account's timezone.
func (c *Config) startTime(loc *time.Location, now time.Time) (time.Time, error) {
	if c.StartTime != "" {
		return ToUTC(c.StartTime, loc)
	}
	tomorrow := now.In(loc).AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 4, 0, 0, 0, loc).UTC(), nil
}

func (c *Config) setEndTime(p *graph.AdSetParams, loc *time.Location) error {
	if c.EndTime == "" {
		return nil
	}
	end, err := ToUTC(c.EndTime, loc)
	if err != nil {
		return err
	}
	p.EndTime = end.Format(time.RFC3339)
	return nil
}

func (c *Config) promotedObject() *graph.PromotedObject {
	if c.PixelID == "" && c.ObjectStoreURL == "" {
		return nil
	}
	po := &graph.PromotedObject{PixelID: c.PixelID}
	if c.PixelID != "" {
		po.CustomEventType = c.EventType
	}
	if c.Objective == "OUTCOME_APP_PROMOTION" {
		po.ObjectStoreURL = c.ObjectStoreURL
	}
	return po
}

func (c *Config) targeting() graph.Targeting {
	t := graph.Targeting{
		GeoLocations: graph.GeoLocations{Countries: c.Countries},
		AgeMin:       c.AgeMin,
		AgeMax:       c.AgeMax,
	}
	switch strings.ToLower(c.Gender) {
	case "male":
		t.Genders = []int{1}
	case "female":
		t.Genders = []int{2}
	default:
		t.Genders = []int{1, 2}
	}
	for _, id := range c.CustomAudiences {
		t.CustomAudiences = append(t.CustomAudiences, graph.CustomAudience{ID: id})
	}
	if len(c.Interests) > 0 {
		var spec graph.FlexibleSpec
		for _, in := range c.Interests {
			spec.Interests = append(spec.Interests, graph.Interest{ID: in.Value, Name: in.Label})
		}
		t.FlexibleSpec = []graph.FlexibleSpec{spec}
	}
	c.applyPlacements(&t)
	return t
}

type placement struct {
	key      string
	position string
}

var (
	facebookPlacements = []placement{
		{"profile_feed", "profile_feed"},
		{"marketplace", "marketplace"},
		{"video_feeds", "video_feeds"},
		{"right_column", "right_hand_column"},
		{"stories", "story"},
		{"reels", "facebook_reels"},
		{"facebook_reels", "facebook_reels"},
		{"in_stream", "instream_video"},
		{"search", "search"},
	}
	instagramPlacements = []placement{
		{"instagram_feeds", "stream"},
		{"instagram_profile_feed", "profile_feed"},
		{"explore", "explore"},
		{"explore_home", "explore_home"},
		{"instagram_stories", "story"},
		{"instagram_reels", "reels"},
		{"instagram_search", "ig_search"},
	}
	audienceNetworkPlacements = []placement{
		{"native_banner_interstitial", "classic"},
		{"rewarded_videos", "rewarded_video"},
	}
)

// applyPlacements maps the client's platform and placement toggles onto
// publisher platforms and positions. No platform selected means automatic
// placements.
func (c *Config) applyPlacements(t *graph.Targeting) {
	pick := func(base []string, table []placement) []string {
		out := append([]string(nil), base...)
		for _, pl := range table {
			if c.Placements[pl.key] {
				out = appendUnique(out, pl.position)
			}
		}
		return out
	}

	if c.Platforms["facebook"] {
		t.PublisherPlatforms = appendUnique(t.PublisherPlatforms, "facebook")
		t.FacebookPositions = pick([]string{"feed"}, facebookPlacements)
	}
	if c.Platforms["instagram"] {
		t.PublisherPlatforms = appendUnique(t.PublisherPlatforms, "instagram")
		t.InstagramPositions = pick([]string{"stream"}, instagramPlacements)
	}
	if c.Platforms["audience_network"] {
		t.PublisherPlatforms = appendUnique(t.PublisherPlatforms, "audience_network")
		t.AudienceNetworkPositions = pick(nil, audienceNetworkPlacements)
		// Audience Network only delivers alongside Facebook feed.
		t.PublisherPlatforms = appendUnique(t.PublisherPlatforms, "facebook")
		t.FacebookPositions = appendUnique(t.FacebookPositions, "feed")
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// attributionWindow parses settings like "7d_click" or "1d_view".
func attributionWindow(setting string) (string, int, error) {
	days, kind, ok := strings.Cut(setting, "_")
	if !ok || !strings.HasSuffix(days, "d") {
		return "", 0, fmt.Errorf("attribution_setting %q is invalid", setting)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(days, "d"))
	if err != nil || n <= 0 {
		return "", 0, fmt.Errorf("attribution_setting %q is invalid", setting)
	}
	switch kind {
	case "click":
		return "CLICK_THROUGH", n, nil
	case "view":
		return "VIEW_THROUGH", n, nil
	}
	return "", 0, fmt.Errorf("attribution_setting %q is invalid", setting)
}
