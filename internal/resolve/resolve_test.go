package resolve

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/elysiawen/SubLinks-sub002/internal/document"
	"github.com/elysiawen/SubLinks-sub002/internal/kv"
	"github.com/elysiawen/SubLinks-sub002/internal/merge"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/elysiawen/SubLinks-sub002/internal/store"
)

type fakeRefresher struct {
	calls int
	fn    func(ctx context.Context) error
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ []string) error {
	f.calls++
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx)
}

const baseText = "proxies:\n  - name: P1\n    type: ss\nproxy-groups:\n  - name: G1\n    type: select\n    proxies: [P1]\nrules:\n  - R1\n"

func fixture(t *testing.T) (*store.Store, *fakeRefresher, *Resolver, model.Subscription) {
	t.Helper()
	ctx := context.Background()
	st := store.New(kv.NewMemory())

	if err := st.SaveUser(ctx, model.User{Username: "alice", Role: model.RoleUser, Status: model.UserStatusActive}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	sub, err := st.CreateSubscription(ctx, model.Subscription{Username: "alice", Enabled: true})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	doc, err := document.Normalize(baseText)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if err := st.SaveBase(ctx, doc, baseText, 0); err != nil {
		t.Fatalf("SaveBase: %v", err)
	}

	ref := &fakeRefresher{}
	return st, ref, New(st, ref), sub
}

func wantDenied(t *testing.T, err error, reason string) {
	t.Helper()
	var de *DeniedError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DeniedError, got %T: %v", err, err)
	}
	if de.Reason != reason {
		t.Fatalf("reason = %q, want %q", de.Reason, reason)
	}
}

func TestResolve_UnknownToken(t *testing.T) {
	_, _, r, _ := fixture(t)
	_, err := r.Resolve(context.Background(), "no-such-token", "clash")
	wantDenied(t, err, "无效的token")
}

func TestResolve_DenialOrdering(t *testing.T) {
	ctx := context.Background()
	st, _, r, sub := fixture(t)

	// Configure a UA allow-list that would reject the client.
	cfg, _ := st.GlobalConfig(ctx)
	cfg.UAAllowList = []string{"clash"}
	if err := st.SaveGlobalConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveGlobalConfig: %v", err)
	}

	// Disabled subscription is denied before the UA allow-list is looked at.
	sub.Enabled = false
	if err := st.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	_, err := r.Resolve(ctx, sub.Token, "curl/8.0")
	wantDenied(t, err, "无效的token")

	// Suspended owner is denied before the UA allow-list too.
	sub.Enabled = true
	_ = st.SaveSubscription(ctx, sub)
	_ = st.SaveUser(ctx, model.User{Username: "alice", Status: model.UserStatusSuspended})
	_, err = r.Resolve(ctx, sub.Token, "curl/8.0")
	wantDenied(t, err, "账号已停用")

	// Active again: now the UA policy applies.
	_ = st.SaveUser(ctx, model.User{Username: "alice", Status: model.UserStatusActive})
	_, err = r.Resolve(ctx, sub.Token, "curl/8.0")
	wantDenied(t, err, "客户端不被允许")

	// Substring match, case-sensitive.
	if _, err := r.Resolve(ctx, sub.Token, "clash.meta/v1.19.14"); err != nil {
		t.Fatalf("allowed UA rejected: %v", err)
	}
	_, err = r.Resolve(ctx, sub.Token, "Clash.meta/v1.19.14")
	wantDenied(t, err, "客户端不被允许")
}

func TestResolve_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	st, ref, r, sub := fixture(t)

	rs, err := st.SaveRuleSet(ctx, model.OverrideSet{Name: "rs1", Content: "- R2\n- R3"})
	if err != nil {
		t.Fatalf("SaveRuleSet: %v", err)
	}
	sub.GroupSetID = model.DefaultOverrideID
	sub.RuleSetID = rs.ID
	sub.CustomRules = "R4"
	if err := st.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	res, err := r.Resolve(ctx, sub.Token, "clash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.calls != 0 {
		t.Fatalf("refresh triggered despite warm cache")
	}
	if res.Degraded {
		t.Fatalf("unexpected degraded result")
	}

	doc, err := document.Normalize(res.Body)
	if err != nil {
		t.Fatalf("response not parseable: %v", err)
	}
	if want := []string{"R2", "R3", "R4"}; !reflect.DeepEqual(doc.Rules, want) {
		t.Fatalf("rules = %#v, want %#v", doc.Rules, want)
	}
	if len(doc.Proxies) != 1 || doc.Proxies[0]["name"] != "P1" {
		t.Fatalf("proxies = %#v", doc.Proxies)
	}
	if len(doc.ProxyGroups) != 1 || doc.ProxyGroups[0]["name"] != "G1" {
		t.Fatalf("proxy-groups = %#v", doc.ProxyGroups)
	}

	if res.Filename != "alice_"+sub.Token+".yaml" {
		t.Fatalf("filename = %q", res.Filename)
	}
	if res.Headers["Subscription-Userinfo"] != "upload=0; download=0; total=0; expire=0" {
		t.Fatalf("headers = %#v", res.Headers)
	}
	if res.Headers["Profile-Update-Interval"] != "24" || res.Headers["Profile-Title"] != "SubLinks" {
		t.Fatalf("headers = %#v", res.Headers)
	}
}

func TestResolve_UnresolvedOverrideIDActsAsDefault(t *testing.T) {
	ctx := context.Background()
	st, _, r, sub := fixture(t)

	sub.GroupSetID = "gone"
	sub.RuleSetID = "gone-too"
	if err := st.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	res, err := r.Resolve(ctx, sub.Token, "clash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	doc, _ := document.Normalize(res.Body)
	if !reflect.DeepEqual(doc.Rules, []string{"R1"}) {
		t.Fatalf("rules = %#v, want base kept", doc.Rules)
	}
}

func TestResolve_CacheMissTriggersSingleRefresh(t *testing.T) {
	ctx := context.Background()
	st := store.New(kv.NewMemory())
	_ = st.SaveUser(ctx, model.User{Username: "alice", Status: model.UserStatusActive})
	sub, _ := st.CreateSubscription(ctx, model.Subscription{Username: "alice", Enabled: true})

	ref := &fakeRefresher{fn: func(ctx context.Context) error {
		doc, _ := document.Normalize(baseText)
		return st.SaveBase(ctx, doc, baseText, 0)
	}}
	r := New(st, ref)

	res, err := r.Resolve(ctx, sub.Token, "clash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if ref.calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", ref.calls)
	}
	if !strings.Contains(res.Body, "P1") {
		t.Fatalf("body = %q", res.Body)
	}
}

func TestResolve_CacheMissAndRefreshFailure(t *testing.T) {
	ctx := context.Background()
	st := store.New(kv.NewMemory())
	_ = st.SaveUser(ctx, model.User{Username: "alice", Status: model.UserStatusActive})
	sub, _ := st.CreateSubscription(ctx, model.Subscription{Username: "alice", Enabled: true})

	ref := &fakeRefresher{fn: func(context.Context) error { return errors.New("upstream down") }}
	r := New(st, ref)

	_, err := r.Resolve(ctx, sub.Token, "clash")
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected *ServerError, got %T: %v", err, err)
	}
	if ref.calls != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1 (no retries)", ref.calls)
	}
}

func TestResolve_RawFallbackOnSerializeFailure(t *testing.T) {
	ctx := context.Background()
	st, _, r, sub := fixture(t)

	sub.CustomRules = "R4\n# note\n"
	if err := st.SaveSubscription(ctx, sub); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	orig := renderMerged
	renderMerged = func(*model.Document, merge.Overrides) (string, error) {
		return "", errors.New("forced serialize failure")
	}
	defer func() { renderMerged = orig }()

	res, err := r.Resolve(ctx, sub.Token, "clash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.Degraded {
		t.Fatalf("expected degraded result")
	}
	if !strings.HasPrefix(res.Body, baseText) {
		t.Fatalf("degraded body must start with raw cached text:\n%q", res.Body)
	}
	if !strings.Contains(res.Body, "  - R4\n") {
		t.Fatalf("extra rules not appended: %q", res.Body)
	}
	if strings.Contains(res.Body, "# note") {
		t.Fatalf("comment lines must be dropped: %q", res.Body)
	}
}

func TestResolve_PostScriptApplied(t *testing.T) {
	ctx := context.Background()
	st, _, r, sub := fixture(t)

	cfg, _ := st.GlobalConfig(ctx)
	cfg.PostScript = `function buildConfig(c) { c["mode"] = "rule"; }`
	if err := st.SaveGlobalConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveGlobalConfig: %v", err)
	}

	res, err := r.Resolve(ctx, sub.Token, "clash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	doc, err := document.Normalize(res.Body)
	if err != nil {
		t.Fatalf("body not parseable: %v", err)
	}
	if doc.Extra["mode"] != "rule" {
		t.Fatalf("post script not applied: %#v", doc.Extra)
	}
}

func TestResolve_PostScriptFailureAbsorbed(t *testing.T) {
	ctx := context.Background()
	st, _, r, sub := fixture(t)

	cfg, _ := st.GlobalConfig(ctx)
	cfg.PostScript = `function buildConfig(c) { throw new Error("boom"); }`
	_ = st.SaveGlobalConfig(ctx, cfg)

	res, err := r.Resolve(ctx, sub.Token, "clash")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := document.Normalize(res.Body); err != nil {
		t.Fatalf("fallback body not parseable: %v", err)
	}
}
