package graph

// Parameter records for the marketing API. Optional fields carry omitempty
// so a record only holds what the caller actually set.

type CampaignParams struct {
	Name                string   `json:"name"`
	Objective           string   `json:"objective"`
	SpecialAdCategories []string `json:"special_ad_categories"`
	BuyingType          string   `json:"buying_type,omitempty"`
	Status              string   `json:"status,omitempty"`
	DailyBudget         int64    `json:"daily_budget,omitempty"`
	LifetimeBudget      int64    `json:"lifetime_budget,omitempty"`
	BidStrategy         string   `json:"bid_strategy,omitempty"`
}

type GeoLocations struct {
	Countries []string `json:"countries"`
}

type Interest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type FlexibleSpec struct {
	Interests []Interest `json:"interests,omitempty"`
}

type CustomAudience struct {
	ID string `json:"id"`
}

type Targeting struct {
	GeoLocations             GeoLocations     `json:"geo_locations"`
	AgeMin                   int              `json:"age_min,omitempty"`
	AgeMax                   int              `json:"age_max,omitempty"`
	Genders                  []int            `json:"genders,omitempty"`
	PublisherPlatforms       []string         `json:"publisher_platforms,omitempty"`
	FacebookPositions        []string         `json:"facebook_positions,omitempty"`
	InstagramPositions       []string         `json:"instagram_positions,omitempty"`
	MessengerPositions       []string         `json:"messenger_positions,omitempty"`
	AudienceNetworkPositions []string         `json:"audience_network_positions,omitempty"`
	CustomAudiences          []CustomAudience `json:"custom_audiences,omitempty"`
	FlexibleSpec             []FlexibleSpec   `json:"flexible_spec,omitempty"`
}

type PromotedObject struct {
	PixelID         string `json:"pixel_id,omitempty"`
	CustomEventType string `json:"custom_event_type,omitempty"`
	ObjectStoreURL  string `json:"object_store_url,omitempty"`
}

type AttributionSpec struct {
	EventType  string `json:"event_type"`
	WindowDays int    `json:"window_days"`
}

type AdSetParams struct {
	Name                      string            `json:"name"`
	CampaignID                string            `json:"campaign_id"`
	BillingEvent              string            `json:"billing_event"`
	OptimizationGoal          string            `json:"optimization_goal,omitempty"`
	TargetingOptimizationType string            `json:"targeting_optimization_type,omitempty"`
	Targeting                 Targeting         `json:"targeting"`
	AttributionSpec           []AttributionSpec `json:"attribution_spec,omitempty"`
	StartTime                 string            `json:"start_time,omitempty"`
	EndTime                   string            `json:"end_time,omitempty"`
	PromotedObject            *PromotedObject   `json:"promoted_object,omitempty"`
	DailyBudget               int64             `json:"daily_budget,omitempty"`
	LifetimeBudget            int64             `json:"lifetime_budget,omitempty"`
	BidStrategy               string            `json:"bid_strategy,omitempty"`
	BidAmount                 int64             `json:"bid_amount,omitempty"`
	RFPredictionID            string            `json:"rf_prediction_id,omitempty"`
	Status                    string            `json:"status,omitempty"`
}

type CTAValue struct {
	Link string `json:"link,omitempty"`
}

type CallToAction struct {
	Type  string   `json:"type"`
	Value CTAValue `json:"value"`
}

// CarouselCard is one child attachment of a multi-card link creative.
type CarouselCard struct {
	Link         string        `json:"link"`
	ImageHash    string        `json:"image_hash,omitempty"`
	VideoID      string        `json:"video_id,omitempty"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	CallToAction *CallToAction `json:"call_to_action,omitempty"`
}

type LinkData struct {
	Link                string         `json:"link"`
	ImageHash           string         `json:"image_hash,omitempty"`
	Message             string         `json:"message,omitempty"`
	Name                string         `json:"name,omitempty"`
	Description         string         `json:"description,omitempty"`
	Caption             string         `json:"caption,omitempty"`
	CallToAction        *CallToAction  `json:"call_to_action,omitempty"`
	ChildAttachments    []CarouselCard `json:"child_attachments,omitempty"`
	MultiShareOptimized *bool          `json:"multi_share_optimized,omitempty"`
	MultiShareEndCard   *bool          `json:"multi_share_end_card,omitempty"`
}

type VideoData struct {
	VideoID         string        `json:"video_id"`
	ImageHash       string        `json:"image_hash,omitempty"`
	Message         string        `json:"message,omitempty"`
	Title           string        `json:"title,omitempty"`
	LinkDescription string        `json:"link_description,omitempty"`
	CallToAction    *CallToAction `json:"call_to_action,omitempty"`
}

type ObjectStorySpec struct {
	PageID           string     `json:"page_id"`
	InstagramActorID string     `json:"instagram_actor_id,omitempty"`
	LinkData         *LinkData  `json:"link_data,omitempty"`
	VideoData        *VideoData `json:"video_data,omitempty"`
}

type EnrollStatus struct {
	EnrollStatus string `json:"enroll_status"`
}

type CreativeFeaturesSpec struct {
	StandardEnhancements EnrollStatus `json:"standard_enhancements"`
}

type DegreesOfFreedomSpec struct {
	CreativeFeaturesSpec CreativeFeaturesSpec `json:"creative_features_spec"`
}

// OptOutEnhancements keeps the platform from rewriting creatives.
func OptOutEnhancements() *DegreesOfFreedomSpec {
	return &DegreesOfFreedomSpec{
		CreativeFeaturesSpec: CreativeFeaturesSpec{
			StandardEnhancements: EnrollStatus{EnrollStatus: "OPT_OUT"},
		},
	}
}

type CreativeParams struct {
	Name                 string                `json:"name"`
	ObjectStorySpec      ObjectStorySpec       `json:"object_story_spec"`
	DegreesOfFreedomSpec *DegreesOfFreedomSpec `json:"degrees_of_freedom_spec,omitempty"`
}

type CreativeRef struct {
	CreativeID string `json:"creative_id"`
}

type AdParams struct {
	Name     string      `json:"name"`
	AdSetID  string      `json:"adset_id"`
	Creative CreativeRef `json:"creative"`
	Status   string      `json:"status"`
}

// Campaign holds the fields read back from an existing campaign.
type Campaign struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	EffectiveStatus string `json:"effective_status"`
	DailyBudget     string `json:"daily_budget,omitempty"`
	LifetimeBudget  string `json:"lifetime_budget,omitempty"`
	Objective       string `json:"objective,omitempty"`
}

// BudgetOptimized reports whether the budget lives on the campaign (CBO).
func (c Campaign) BudgetOptimized() bool {
	return c.DailyBudget != "" || c.LifetimeBudget != ""
}
