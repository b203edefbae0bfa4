// Package store is the typed state layer over the kv document store:
// subscriptions, override sets, users and the global config singleton, plus
// the single-slot base-document cache.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/elysiawen/SubLinks-sub002/internal/document"
	"github.com/elysiawen/SubLinks-sub002/internal/kv"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type Store struct {
	kv  kv.Store
	now func() time.Time
}

func New(backend kv.Store) *Store {
	return &Store{kv: backend, now: time.Now}
}

// --- base document cache -------------------------------------------------

// SaveBase stores both the serialized normalized document and the raw
// upstream text under the cache slot. The raw copy backs the degraded
// pass-through path when merging hard-fails.
func (s *Store) SaveBase(ctx context.Context, doc *model.Document, raw string, ttlSeconds int64) error {
	text, err := document.Serialize(doc)
	if err != nil {
		return err
	}
	if err := s.kv.SetTTL(ctx, keyBaseDocument, text, ttlSeconds); err != nil {
		return err
	}
	return s.kv.SetTTL(ctx, keyBaseRaw, raw, ttlSeconds)
}

// BaseDocument reads and re-parses the cached base. found=false on a genuine
// cache miss (absent or expired slot).
func (s *Store) BaseDocument(ctx context.Context) (*model.Document, bool, error) {
	text, found, err := s.kv.Get(ctx, keyBaseDocument)
	if err != nil || !found {
		return nil, false, err
	}
	doc, err := document.Normalize(text)
	if err != nil {
		// A corrupt cache slot behaves like a miss; the caller refreshes.
		return nil, false, nil
	}
	return doc, true, nil
}

func (s *Store) BaseRaw(ctx context.Context) (string, bool, error) {
	return s.kv.Get(ctx, keyBaseRaw)
}

// --- subscriptions -------------------------------------------------------

// CreateSubscription fills in token and creation time when absent.
func (s *Store) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if strings.TrimSpace(sub.Username) == "" {
		return model.Subscription{}, errors.New("subscription username must not be empty")
	}
	if sub.Token == "" {
		sub.Token = newToken()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	return sub, s.putJSON(ctx, keySubscription(sub.Token), sub)
}

func (s *Store) SaveSubscription(ctx context.Context, sub model.Subscription) error {
	if sub.Token == "" {
		return errors.New("subscription token must not be empty")
	}
	return s.putJSON(ctx, keySubscription(sub.Token), sub)
}

func (s *Store) Subscription(ctx context.Context, token string) (model.Subscription, bool, error) {
	var sub model.Subscription
	found, err := s.getJSON(ctx, keySubscription(token), &sub)
	return sub, found, err
}

func (s *Store) DeleteSubscription(ctx context.Context, token string) error {
	return s.kv.Delete(ctx, keySubscription(token))
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	raw, err := s.kv.Scan(ctx, keySubscriptionPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.Subscription, 0, len(raw))
	for key, val := range raw {
		var sub model.Subscription
		if err := json.Unmarshal([]byte(val), &sub); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- override sets -------------------------------------------------------

func (s *Store) SaveGroupSet(ctx context.Context, set model.OverrideSet) (model.OverrideSet, error) {
	return s.saveOverrideSet(ctx, keyGroupSetPrefix, set)
}

func (s *Store) SaveRuleSet(ctx context.Context, set model.OverrideSet) (model.OverrideSet, error) {
	return s.saveOverrideSet(ctx, keyRuleSetPrefix, set)
}

func (s *Store) saveOverrideSet(ctx context.Context, prefix string, set model.OverrideSet) (model.OverrideSet, error) {
	if set.ID == model.DefaultOverrideID {
		return model.OverrideSet{}, errors.New("'default' is a reserved override set id")
	}
	if set.ID == "" {
		set.ID = uuid.NewString()
	}
	set.UpdatedAt = s.now()
	return set, s.putJSON(ctx, prefix+set.ID, set)
}

func (s *Store) GroupSet(ctx context.Context, id string) (model.OverrideSet, bool, error) {
	var set model.OverrideSet
	found, err := s.getJSON(ctx, keyGroupSet(id), &set)
	return set, found, err
}

func (s *Store) RuleSet(ctx context.Context, id string) (model.OverrideSet, bool, error) {
	var set model.OverrideSet
	found, err := s.getJSON(ctx, keyRuleSet(id), &set)
	return set, found, err
}

func (s *Store) DeleteGroupSet(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, keyGroupSet(id))
}

func (s *Store) DeleteRuleSet(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, keyRuleSet(id))
}

func (s *Store) ListGroupSets(ctx context.Context) ([]model.OverrideSet, error) {
	return s.listOverrideSets(ctx, keyGroupSetPrefix)
}

func (s *Store) ListRuleSets(ctx context.Context) ([]model.OverrideSet, error) {
	return s.listOverrideSets(ctx, keyRuleSetPrefix)
}

func (s *Store) listOverrideSets(ctx context.Context, prefix string) ([]model.OverrideSet, error) {
	raw, err := s.kv.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]model.OverrideSet, 0, len(raw))
	for key, val := range raw {
		var set model.OverrideSet
		if err := json.Unmarshal([]byte(val), &set); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		out = append(out, set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- users ---------------------------------------------------------------

func (s *Store) SaveUser(ctx context.Context, u model.User) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username must not be empty")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	return s.putJSON(ctx, keyUser(u.Username), u)
}

func (s *Store) User(ctx context.Context, username string) (model.User, bool, error) {
	var u model.User
	found, err := s.getJSON(ctx, keyUser(username), &u)
	return u, found, err
}

func (s *Store) SetUserPassword(ctx context.Context, username, password string) error {
	u, found, err := s.User(ctx, username)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("user %q not found", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = string(hash)
	return s.SaveUser(ctx, u)
}

func (s *Store) CheckUserPassword(ctx context.Context, username, password string) (bool, error) {
	u, found, err := s.User(ctx, username)
	if err != nil || !found {
		return false, err
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil, nil
}

// --- global config -------------------------------------------------------

// GlobalConfig returns the stored singleton, or defaults when none was ever
// saved.
func (s *Store) GlobalConfig(ctx context.Context) (model.GlobalConfig, error) {
	var cfg model.GlobalConfig
	found, err := s.getJSON(ctx, keyGlobalConfig, &cfg)
	if err != nil {
		return model.GlobalConfig{}, err
	}
	if !found {
		return DefaultGlobalConfig(), nil
	}
	return cfg, nil
}

func (s *Store) SaveGlobalConfig(ctx context.Context, cfg model.GlobalConfig) error {
	return s.putJSON(ctx, keyGlobalConfig, cfg)
}

func DefaultGlobalConfig() model.GlobalConfig {
	return model.GlobalConfig{
		CacheTTLMinutes:     60,
		ProfileTitle:        "SubLinks",
		UpdateIntervalHours: 24,
	}
}

// --- helpers -------------------------------------------------------------

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.kv.Set(ctx, key, string(data))
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// newToken returns a URL-safe unguessable subscription token.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
