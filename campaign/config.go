// Package campaign holds the user supplied campaign configuration and maps
// it onto platform parameter records.
package campaign

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"adlaunch/graph"
)

// Format selects how a media folder becomes ads.
type Format string

const (
	FormatSingle   Format = "single"
	FormatCarousel Format = "carousel"
)

// UnmarshalText accepts the canonical names and the labels the browser
// client shows.
func (f *Format) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "single", "single image or video":
		*f = FormatSingle
	case "carousel":
		*f = FormatCarousel
	default:
		return fmt.Errorf("unknown ad format %q", string(b))
	}
	return nil
}

// Interest is a targeting interest as picked in the client.
type Interest struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Config is the full set of campaign, ad set and creative parameters for
// one run. It is never mutated once a run starts.
type Config struct {
	graph.Credentials

	AdAccountID      string `json:"ad_account_id"`
	PageID           string `json:"facebook_page_id"`
	PixelID          string `json:"pixel_id"`
	InstagramActorID string `json:"instagram_actor_id"`

	// CampaignID selects an existing campaign; otherwise one is created.
	CampaignID                 string  `json:"campaign_id"`
	CampaignName               string  `json:"campaign_name"`
	Objective                  string  `json:"objective"`
	BuyingType                 string  `json:"buying_type"`
	CBO                        bool    `json:"is_cbo"`
	CampaignBudgetOptimization string  `json:"campaign_budget_optimization"`
	CampaignBudgetValue        float64 `json:"campaign_budget_value"`
	CampaignBidStrategy        string  `json:"campaign_bid_strategy"`

	AdFormat      Format `json:"ad_format"`
	Link          string `json:"link"`
	URLParameters string `json:"url_parameters"`
	CallToAction  string `json:"call_to_action"`
	PrimaryText   string `json:"ad_creative_primary_text"`
	Headline      string `json:"ad_creative_headline"`
	Description   string `json:"ad_creative_description"`

	TargetingType   string          `json:"targeting_type"`
	Countries       []string        `json:"location"`
	AgeMin          int             `json:"age_min"`
	AgeMax          int             `json:"age_max"`
	Gender          string          `json:"gender"`
	Interests       []Interest      `json:"interests"`
	CustomAudiences []string        `json:"custom_audiences"`
	Platforms       map[string]bool `json:"platforms"`
	Placements      map[string]bool `json:"placements"`

	StartTime               string  `json:"start_time"`
	EndTime                 string  `json:"ad_set_end_time"`
	AdSetBudgetOptimization string  `json:"ad_set_budget_optimization"`
	AdSetBudgetValue        float64 `json:"ad_set_budget_value"`
	AdSetBidStrategy        string  `json:"ad_set_bid_strategy"`
	BidAmount               float64 `json:"bid_amount"`
	PredictionID            string  `json:"prediction_id"`
	OptimizationGoal        string  `json:"optimization_goal"`
	EventType               string  `json:"event_type"`
	AttributionSetting      string  `json:"attribution_setting"`
	ObjectStoreURL          string  `json:"object_store_url"`
}

// ApplyDefaults fills the optional fields the client may leave out.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Objective, "OUTCOME_SALES")
	setDefault(&c.BuyingType, "AUCTION")
	setDefault(&c.CampaignBudgetOptimization, "DAILY_BUDGET")
	setDefault(&c.CampaignBidStrategy, "LOWEST_COST_WITHOUT_CAP")
	setDefault(&c.AdSetBudgetOptimization, "DAILY_BUDGET")
	setDefault(&c.AdSetBidStrategy, "LOWEST_COST_WITHOUT_CAP")
	setDefault(&c.CallToAction, "SHOP_NOW")
	setDefault(&c.OptimizationGoal, "OFFSITE_CONVERSIONS")
	setDefault(&c.EventType, "PURCHASE")
	setDefault(&c.AttributionSetting, "7d_click")
	setDefault(&c.Gender, "All")
	if c.AdFormat == "" {
		c.AdFormat = FormatSingle
	}
	if c.AgeMin == 0 {
		c.AgeMin = 18
	}
	if c.AgeMax == 0 {
		c.AgeMax = 65
	}
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid campaign config: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Title() string { return "Invalid configuration" }

func (e *ValidationError) UserMessage() string { return strings.Join(e.Problems, "; ") }

// Validate checks the configuration before any remote work starts.
// ApplyDefaults must have run first.
func (c *Config) Validate() error {
	var problems []string
	missing := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, name+" is required")
		}
	}

	missing("access_token", c.AccessToken)
	missing("ad_account_id", c.AdAccountID)
	missing("facebook_page_id", c.PageID)
	missing("link", c.Link)
	if c.CampaignID == "" {
		missing("campaign_name", c.CampaignName)
	}
	if len(c.Countries) == 0 {
		problems = append(problems, "location needs at least one country")
	}
	if c.AdFormat != FormatSingle && c.AdFormat != FormatCarousel {
		problems = append(problems, fmt.Sprintf("unknown ad_format %q", c.AdFormat))
	}
	if c.AgeMin < 13 || c.AgeMax > 65 || c.AgeMin > c.AgeMax {
		problems = append(problems, fmt.Sprintf("age range %d-%d is invalid", c.AgeMin, c.AgeMax))
	}
	if c.CampaignID == "" && c.CBO && c.BuyingType == "AUCTION" && c.CampaignBudgetValue <= 0 {
		problems = append(problems, "campaign_budget_value must be positive for budget optimized campaigns")
	}
	if c.CampaignID == "" && !c.CBO && c.BuyingType != "RESERVED" && c.AdSetBudgetValue <= 0 {
		problems = append(problems, "ad_set_budget_value must be positive")
	}
	if c.BuyingType == "RESERVED" && !c.CBO {
		missing("prediction_id", c.PredictionID)
	}
	if c.bidCapped() && c.BidAmount <= 0 {
		problems = append(problems, "bid_amount must be positive for capped bid strategies")
	}
	if _, _, err := attributionWindow(c.AttributionSetting); err != nil {
		problems = append(problems, err.Error())
	}
	problems = append(problems, c.scheduleProblems()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// scheduleProblems checks start_time and ad_set_end_time. Both are wall
// clock times in the account timezone, so they compare directly.
func (c *Config) scheduleProblems() []string {
	var problems []string
	var start, end time.Time
	var err error
	if strings.TrimSpace(c.StartTime) != "" {
		if start, err = ToUTC(c.StartTime, time.UTC); err != nil {
			problems = append(problems, fmt.Sprintf("start_time %q must look like 2006-01-02T15:04", c.StartTime))
		}
	}
	if strings.TrimSpace(c.EndTime) != "" {
		if end, err = ToUTC(c.EndTime, time.UTC); err != nil {
			problems = append(problems, fmt.Sprintf("ad_set_end_time %q must look like 2006-01-02T15:04", c.EndTime))
		}
	}
	if len(problems) == 0 && !start.IsZero() && !end.IsZero() && !end.After(start) {
		problems = append(problems, "ad_set_end_time must be after start_time")
	}
	return problems
}

func (c *Config) bidCapped() bool {
	return capped(c.AdSetBidStrategy) || capped(c.CampaignBidStrategy)
}

func capped(strategy string) bool {
	return strategy == "COST_CAP" || strategy == "LOWEST_COST_WITH_BID_CAP"
}

// Parse decodes a JSON config, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &ValidationError{Problems: []string{"config is not valid JSON: " + err.Error()}}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
