package model

import "time"

// DefaultOverrideID is the sentinel meaning "no override, use the upstream
// base as-is". It is never a stored OverrideSet id.
const DefaultOverrideID = "default"

// Subscription is a per-user tokenized view over the merged upstream config.
type Subscription struct {
	Token       string    `json:"token"`
	Username    string    `json:"username"`
	Remark      string    `json:"remark"`
	GroupSetID  string    `json:"group_set_id,omitempty"`
	RuleSetID   string    `json:"rule_set_id,omitempty"`
	CustomRules string    `json:"custom_rules,omitempty"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// OverrideSet is an admin-curated named block of groups or rules stored as
// raw YAML text. Group sets and rule sets live in separate keyspaces but
// share this shape.
type OverrideSet struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

type User struct {
	Username     string    `json:"username"`
	Role         string    `json:"role"` // "admin" | "user"
	Status       string    `json:"status"`
	PasswordHash string    `json:"password_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"

	RoleAdmin = "admin"
	RoleUser  = "user"
)

// GlobalConfig is the process-wide policy singleton. Read on every resolve,
// written only by admin action; last write wins.
type GlobalConfig struct {
	SourceURLs     []string `json:"source_urls"`
	FetchUserAgent string   `json:"fetch_user_agent,omitempty"`
	UAAllowList    []string `json:"ua_allow_list,omitempty"`

	// CacheTTLMinutes bounds how long the fetched base document is served
	// before a refresh repopulates it. 0 means no expiry.
	CacheTTLMinutes int `json:"cache_ttl_minutes"`

	// RefreshAPIKey authenticates the non-session refresh endpoint.
	RefreshAPIKey string `json:"refresh_api_key,omitempty"`

	// PostScript is an optional JS hook run over the merged document.
	PostScript string `json:"post_script,omitempty"`

	ProfileTitle        string `json:"profile_title,omitempty"`
	UpdateIntervalHours int    `json:"update_interval_hours,omitempty"`
}
