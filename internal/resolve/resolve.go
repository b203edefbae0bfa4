// Package resolve turns a subscriber token into a downloadable personalized
// document. The decision sequence is linear: token → owner → UA policy →
// cache → merge; there are no retries beyond the single lazy refresh on a
// genuine cache miss.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/elysiawen/SubLinks-sub002/internal/logx"
	"github.com/elysiawen/SubLinks-sub002/internal/merge"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/elysiawen/SubLinks-sub002/internal/scripthook"
	"github.com/elysiawen/SubLinks-sub002/internal/store"
	"gopkg.in/yaml.v3"
)

// DeniedError is a policy denial (invalid token, disabled subscription,
// suspended account, disallowed client). Surfaced as 403 with a short
// human-readable reason; never a system fault.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return e.Reason }

// ServerError means no cache is available and the lazy refresh failed too.
// This is the one resolver outcome that needs operator attention.
type ServerError struct {
	Reason string
	Cause  error
}

func (e *ServerError) Error() string {
	if e.Cause == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
}

func (e *ServerError) Unwrap() error { return e.Cause }

// Result is the final document plus everything the HTTP layer needs to
// serve it as a download.
type Result struct {
	Body        string
	ContentType string
	Filename    string
	Headers     map[string]string

	// Degraded marks the raw pass-through fallback taken when the merged
	// document could not be serialized.
	Degraded bool
}

// Refresher is the fetcher's refresh trigger, injected so tests can fake the
// slow path.
type Refresher interface {
	Refresh(ctx context.Context, sources []string) error
}

type Resolver struct {
	st        *store.Store
	refresher Refresher
}

// renderMerged is a seam for testing the serialize-failure fallback, which
// is otherwise unreachable with well-formed cached documents.
var renderMerged = merge.Render

func New(st *store.Store, refresher Refresher) *Resolver {
	return &Resolver{st: st, refresher: refresher}
}

func (r *Resolver) Resolve(ctx context.Context, token, userAgent string) (*Result, error) {
	sub, found, err := r.st.Subscription(ctx, token)
	if err != nil {
		return nil, err
	}
	if !found || !sub.Enabled {
		return nil, &DeniedError{Reason: "无效的token"}
	}

	owner, found, err := r.st.User(ctx, sub.Username)
	if err != nil {
		return nil, err
	}
	if !found || owner.Status != model.UserStatusActive {
		return nil, &DeniedError{Reason: "账号已停用"}
	}

	cfg, err := r.st.GlobalConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !uaAllowed(cfg.UAAllowList, userAgent) {
		return nil, &DeniedError{Reason: "客户端不被允许"}
	}

	base, found, err := r.st.BaseDocument(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		// The only blocking path in request handling: one synchronous
		// refresh, no backoff.
		if err := r.refresher.Refresh(ctx, nil); err != nil {
			return nil, &ServerError{Reason: "上游订阅不可用", Cause: err}
		}
		base, found, err = r.st.BaseDocument(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, &ServerError{Reason: "上游订阅不可用"}
		}
	}

	ov := merge.Overrides{ExtraRules: sub.CustomRules}
	if id := sub.GroupSetID; id != "" && id != model.DefaultOverrideID {
		// An unresolved id behaves exactly like 'default'.
		if set, found, err := r.st.GroupSet(ctx, id); err != nil {
			return nil, err
		} else if found {
			ov.GroupSet = &set
		}
	}
	if id := sub.RuleSetID; id != "" && id != model.DefaultOverrideID {
		if set, found, err := r.st.RuleSet(ctx, id); err != nil {
			return nil, err
		} else if found {
			ov.RuleSet = &set
		}
	}

	body, err := renderMerged(base, ov)
	if err != nil {
		return r.rawFallback(ctx, sub, cfg, err)
	}

	if cfg.PostScript != "" {
		body = applyPostScript(cfg.PostScript, body)
	}

	return &Result{
		Body:        body,
		ContentType: "text/plain; charset=utf-8",
		Filename:    fmt.Sprintf("%s_%s.yaml", sub.Username, sub.Token),
		Headers:     infoHeaders(cfg),
	}, nil
}

// rawFallback serves the unmerged cached text with the subscription's extra
// rules appended as plain lines. Degraded but non-empty beats an error when
// the base cache is healthy.
func (r *Resolver) rawFallback(ctx context.Context, sub model.Subscription, cfg model.GlobalConfig, cause error) (*Result, error) {
	logx.L().Error("合并结果序列化失败，回退到原始缓存文本", "token", sub.Token, "err", cause.Error())

	raw, found, err := r.st.BaseRaw(ctx)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &ServerError{Reason: "上游订阅不可用", Cause: cause}
	}

	if extra := merge.CleanRuleLines(sub.CustomRules); len(extra) > 0 {
		var b strings.Builder
		b.WriteString(raw)
		if !strings.HasSuffix(raw, "\n") {
			b.WriteString("\n")
		}
		for _, line := range extra {
			b.WriteString("  - ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		raw = b.String()
	}

	return &Result{
		Body:        raw,
		ContentType: "text/plain; charset=utf-8",
		Filename:    fmt.Sprintf("%s_%s.yaml", sub.Username, sub.Token),
		Headers:     infoHeaders(cfg),
		Degraded:    true,
	}, nil
}

// applyPostScript runs the JS hook best-effort; any failure keeps the
// unscripted document.
func applyPostScript(script, body string) string {
	var conf map[string]any
	if err := yaml.Unmarshal([]byte(body), &conf); err != nil || conf == nil {
		logx.L().Warn("脚本钩子输入解析失败，跳过", "err", fmt.Sprint(err))
		return body
	}
	out, err := scripthook.Apply(script, conf)
	if err != nil {
		logx.L().Warn("脚本钩子执行失败，返回未处理文档", "err", err.Error())
		return body
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		logx.L().Warn("脚本钩子输出序列化失败，返回未处理文档", "err", err.Error())
		return body
	}
	return string(data)
}

// uaAllowed checks the request UA against the allow-list: case-sensitive
// substring match, empty list allows everything.
func uaAllowed(allowList []string, userAgent string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(userAgent, entry) {
			return true
		}
	}
	return false
}

// infoHeaders are static traffic-accounting headers: this system does not
// track bandwidth, so usage always reads as unlimited/zero.
func infoHeaders(cfg model.GlobalConfig) map[string]string {
	title := cfg.ProfileTitle
	if title == "" {
		title = "SubLinks"
	}
	interval := cfg.UpdateIntervalHours
	if interval <= 0 {
		interval = 24
	}
	return map[string]string{
		"Subscription-Userinfo":   "upload=0; download=0; total=0; expire=0",
		"Profile-Update-Interval": fmt.Sprintf("%d", interval),
		"Profile-Title":           title,
	}
}
