package api

// Reward is granted when a domain reaches Level.
type Reward struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
	Icon  string `json:"icon,omitempty"`
	Sound string `json:"sound,omitempty"`
}

// Domain is a named growth category with its own level track.
// The Next/XPTo/Progress fields are derived by the server and only
// present on snapshot and domain responses.
type Domain struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Icon            string    `json:"icon,omitempty"`
	Color           string    `json:"color,omitempty"`
	Level           int       `json:"level"`
	XP              float64   `json:"xp"`
	LevelThresholds []float64 `json:"level_thresholds"`
	LevelupRewards  []Reward  `json:"levelup_rewards"`
	UpdatedAt       string    `json:"updated_at,omitempty"`

	NextLevelThreshold float64 `json:"next_level_threshold,omitempty"`
	XPToNextLevel      float64 `json:"xp_to_next_level,omitempty"`
	LevelProgressRatio float64 `json:"level_progress_ratio,omitempty"`
}

// Quest is a completable task tied to one domain by name.
type Quest struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	DomainName  string  `json:"domain_name"`
	XP          int     `json:"xp"`
	Date        string  `json:"date"`
	IsDaily     bool    `json:"is_daily"`
	IsCompleted bool    `json:"is_completed"`
	CompletedAt *string `json:"completed_at"`
	Notes       *string `json:"notes"`
	CreatedAt   string  `json:"created_at,omitempty"`
	UpdatedAt   string  `json:"updated_at,omitempty"`
}

// QuestInput is the body of POST /api/quests.
type QuestInput struct {
	Title      string  `json:"title"`
	DomainName string  `json:"domain_name"`
	XP         int     `json:"xp"`
	Date       string  `json:"date"`
	IsDaily    bool    `json:"is_daily"`
	Notes      *string `json:"notes,omitempty"`
}

// QuestPatch is the body of PATCH /api/quests/:id. Nil fields are left untouched.
type QuestPatch struct {
	Title      *string `json:"title,omitempty"`
	DomainName *string `json:"domain_name,omitempty"`
	XP         *int    `json:"xp,omitempty"`
	Date       *string `json:"date,omitempty"`
	IsDaily    *bool   `json:"is_daily,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p QuestPatch) Empty() bool {
	return p.Title == nil && p.DomainName == nil && p.XP == nil &&
		p.Date == nil && p.IsDaily == nil && p.Notes == nil
}

// Apply overlays the patch onto q and returns the result.
func (p QuestPatch) Apply(q Quest) Quest {
	if p.Title != nil {
		q.Title = *p.Title
	}
	if p.DomainName != nil {
		q.DomainName = *p.DomainName
	}
	if p.XP != nil {
		q.XP = *p.XP
	}
	if p.Date != nil {
		q.Date = *p.Date
	}
	if p.IsDaily != nil {
		q.IsDaily = *p.IsDaily
	}
	if p.Notes != nil {
		q.Notes = p.Notes
	}
	return q
}

// Config holds per-device settings.
type Config struct {
	WillpowerXPPerAnyQuest float64   `json:"willpower_xp_per_any_quest"`
	DefaultLevelThresholds []float64 `json:"default_level_thresholds"`
	DefaultLevelupRewards  []Reward  `json:"default_levelup_rewards"`
	UpdatedAt              string    `json:"updated_at,omitempty"`
}

// ConfigPatch is the body of PATCH /api/config. Nil fields are left untouched.
type ConfigPatch struct {
	WillpowerXPPerAnyQuest *float64  `json:"willpower_xp_per_any_quest,omitempty"`
	DefaultLevelThresholds []float64 `json:"default_level_thresholds,omitempty"`
	DefaultLevelupRewards  []Reward  `json:"default_levelup_rewards,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ConfigPatch) Empty() bool {
	return p.WillpowerXPPerAnyQuest == nil && p.DefaultLevelThresholds == nil && p.DefaultLevelupRewards == nil
}

// Apply overlays the patch onto c and returns the result.
func (p ConfigPatch) Apply(c Config) Config {
	if p.WillpowerXPPerAnyQuest != nil {
		c.WillpowerXPPerAnyQuest = *p.WillpowerXPPerAnyQuest
	}
	if p.DefaultLevelThresholds != nil {
		c.DefaultLevelThresholds = append([]float64(nil), p.DefaultLevelThresholds...)
	}
	if p.DefaultLevelupRewards != nil {
		c.DefaultLevelupRewards = append([]Reward(nil), p.DefaultLevelupRewards...)
	}
	return c
}

// DomainPatch is the body of PATCH /api/domains. Name selects the domain.
type DomainPatch struct {
	Name            string    `json:"name"`
	LevelThresholds []float64 `json:"level_thresholds,omitempty"`
	LevelupRewards  []Reward  `json:"levelup_rewards,omitempty"`
}

// BootstrapRequest is the optional seed sent with POST /api/bootstrap.
type BootstrapRequest struct {
	Thresholds         []float64    `json:"thresholds,omitempty"`
	Rewards            []Reward     `json:"rewards,omitempty"`
	WillpowerXP        *float64     `json:"willpowerXp,omitempty"`
	InitialDailyQuests []QuestInput `json:"initialDailyQuests,omitempty"`
}

// Buckets groups incomplete quests by date relative to the server's today.
type Buckets struct {
	Today    []Quest `json:"today"`
	Tomorrow []Quest `json:"tomorrow"`
	Upcoming []Quest `json:"upcoming"`
}

// Snapshot is the server's authoritative view of one device.
type Snapshot struct {
	Domains      []Domain `json:"domains"`
	Config       Config   `json:"config"`
	Quests       []Quest  `json:"quests"`
	QuestsByDate Buckets  `json:"questsByDate"`
	ServerTime   string   `json:"serverTime"`
}

// LevelUpEvent reports a domain crossing a level threshold.
type LevelUpEvent struct {
	DomainName  string  `json:"domain_name"`
	NewLevel    int     `json:"new_level"`
	RewardText  *string `json:"reward_text"`
	RewardIcon  *string `json:"reward_icon"`
	RewardSound *string `json:"reward_sound"`
}

// HasReward reports whether the event carries reward text.
func (e LevelUpEvent) HasReward() bool {
	return e.RewardText != nil && *e.RewardText != ""
}

// CompletionResult is the response of POST /api/quests/:id/complete.
type CompletionResult struct {
	Quest         Quest          `json:"quest"`
	Domains       []Domain       `json:"domains"`
	LevelUpEvents []LevelUpEvent `json:"levelUpEvents"`
	NextQuest     *Quest         `json:"nextQuest"`
}

// ResetResult is the response of POST /api/reset.
type ResetResult struct {
	Message string   `json:"message"`
	Domains []Domain `json:"domains"`
	Config  Config   `json:"config"`
}
