// Package fetch retrieves upstream subscription documents and repopulates
// the single-slot base cache.
//
// Refresh runs in three trigger contexts: the background ticker, the
// key-authenticated refresh endpoint, and lazily from the resolver on a
// cache miss. A failed cycle leaves the previous cache value in place;
// stale-but-available beats empty.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elysiawen/SubLinks-sub002/internal/document"
	"github.com/elysiawen/SubLinks-sub002/internal/logx"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/elysiawen/SubLinks-sub002/internal/store"
	"golang.org/x/sync/errgroup"
	"resty.dev/v3"
)

// DefaultUserAgent is sent upstream when no fetch UA is configured. Some
// providers vary output by client, so it names a mainstream Clash client.
const DefaultUserAgent = "clash.meta/v1.19.14"

// Upstream sources are third-party and may hang; an explicit bound beats the
// platform default.
const fetchTimeout = 20 * time.Second

const maxConcurrentFetches = 4

type FetchError struct {
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Progress receives human-readable step messages for streaming admin UIs.
// typ is one of "info", "success", "error".
type Progress func(message, typ string)

type Fetcher struct {
	st     *store.Store
	client *resty.Client
}

func New(st *store.Store) *Fetcher {
	return &Fetcher{
		st:     st,
		client: resty.New().SetTimeout(fetchTimeout),
	}
}

func (f *Fetcher) Close() error { return f.client.Close() }

// Summary lists per-source outcomes of one refresh cycle.
type Summary struct {
	Refreshed []string `json:"refreshed"`
	Failed    []string `json:"failed"`
}

// Refresh fetches every source and stores the combined document under the
// base cache key. sources nil means "all configured sources". It returns a
// FetchError only when no source produced a usable document.
func (f *Fetcher) Refresh(ctx context.Context, sources []string) error {
	_, err := f.RefreshWithProgress(ctx, sources, nil)
	return err
}

func (f *Fetcher) RefreshWithProgress(ctx context.Context, sources []string, progress Progress) (Summary, error) {
	emit := func(msg, typ string) {
		if progress != nil {
			progress(msg, typ)
		}
	}

	cfg, err := f.st.GlobalConfig(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load global config: %w", err)
	}
	if len(sources) == 0 {
		sources = cfg.SourceURLs
	}
	if len(sources) == 0 {
		return Summary{}, &FetchError{AppError: model.AppError{
			Code:    "NO_SOURCES",
			Message: "未配置任何上游订阅源",
			Stage:   "refresh",
		}}
	}

	userAgent := cfg.FetchUserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	emit(fmt.Sprintf("开始刷新 %d 个上游源", len(sources)), "info")

	results := make([]*sourceResult, len(sources))
	errs := make([]error, len(sources))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxConcurrentFetches)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			doc, raw, err := f.fetchOne(ctx, src, userAgent)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = err
				emit(fmt.Sprintf("拉取失败 %s: %v", src, err), "error")
				logx.L().Warn("上游源拉取失败", "url", src, "err", err.Error())
				return nil // a single failed source never aborts the cycle
			}
			results[i] = &sourceResult{doc: doc, raw: raw}
			emit(fmt.Sprintf("拉取成功 %s（%d 个节点）", src, len(doc.Proxies)), "success")
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{}
	for i, src := range sources {
		if results[i] != nil {
			summary.Refreshed = append(summary.Refreshed, src)
		} else {
			summary.Failed = append(summary.Failed, src)
		}
	}

	merged, raw := combine(results)
	if merged == nil {
		emit("所有上游源均不可用", "error")
		return summary, &FetchError{
			AppError: model.AppError{
				Code:    "ALL_SOURCES_FAILED",
				Message: "所有上游源均拉取失败",
				Stage:   "refresh",
			},
			Cause: errors.Join(errs...),
		}
	}

	ttl := int64(cfg.CacheTTLMinutes) * 60
	if err := f.st.SaveBase(ctx, merged, raw, ttl); err != nil {
		emit("写入缓存失败", "error")
		return summary, fmt.Errorf("save base cache: %w", err)
	}

	emit(fmt.Sprintf("缓存已更新：%d 节点 / %d 分组 / %d 规则", len(merged.Proxies), len(merged.ProxyGroups), len(merged.Rules)), "success")
	logx.L().Info("订阅缓存刷新成功", "sources", len(sources), "proxies", len(merged.Proxies))
	return summary, nil
}

// FilterSources restricts cfg source URLs to the requested names (exact URL
// match). The second return lists requested names that are not configured.
func FilterSources(configured, requested []string) (matched, unknown []string) {
	if len(requested) == 0 {
		return configured, nil
	}
	known := make(map[string]bool, len(configured))
	for _, s := range configured {
		known[s] = true
	}
	for _, r := range requested {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if known[r] {
			matched = append(matched, r)
		} else {
			unknown = append(unknown, r)
		}
	}
	sort.Strings(unknown)
	return matched, unknown
}

func (f *Fetcher) fetchOne(ctx context.Context, url, userAgent string) (*model.Document, string, error) {
	res, err := f.client.R().
		SetContext(ctx).
		SetHeader("User-Agent", userAgent).
		Get(url)
	if err != nil {
		return nil, "", &FetchError{
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: "请求上游源失败",
				Stage:   "fetch",
				URL:     url,
			},
			Cause: err,
		}
	}
	if res.StatusCode() < 200 || res.StatusCode() >= 300 {
		return nil, "", &FetchError{
			AppError: model.AppError{
				Code:    "FETCH_FAILED",
				Message: fmt.Sprintf("上游返回非 2xx 状态码：%d", res.StatusCode()),
				Stage:   "fetch",
				URL:     url,
			},
		}
	}

	raw := res.String()
	doc, err := document.Normalize(raw)
	if err != nil {
		return nil, "", err
	}
	return doc, raw, nil
}

type sourceResult struct {
	doc *model.Document
	raw string
}

// combine folds per-source documents into one. Proxies concatenate in source
// order; for every other field the last successful source wins wholesale,
// matching the last-write-wins semantics used elsewhere.
func combine(results []*sourceResult) (*model.Document, string) {
	merged := model.NewDocument()
	var raw string
	got := false
	for _, r := range results {
		if r == nil {
			continue
		}
		got = true
		merged.Proxies = append(merged.Proxies, r.doc.Proxies...)
		if len(r.doc.ProxyGroups) > 0 {
			merged.ProxyGroups = r.doc.ProxyGroups
		}
		if len(r.doc.Rules) > 0 {
			merged.Rules = r.doc.Rules
		}
		for k, v := range r.doc.Extra {
			merged.Extra[k] = v
		}
		raw = r.raw
	}
	if !got {
		return nil, ""
	}
	return merged, raw
}
