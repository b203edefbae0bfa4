package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/elysiawen/SubLinks-sub002/internal/document"
	"github.com/elysiawen/SubLinks-sub002/internal/kv"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"github.com/elysiawen/SubLinks-sub002/internal/store"
)

func newTestStore(t *testing.T, cfg model.GlobalConfig) *store.Store {
	t.Helper()
	st := store.New(kv.NewMemory())
	if err := st.SaveGlobalConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveGlobalConfig: %v", err)
	}
	return st
}

func TestRefresh_SingleSource(t *testing.T) {
	var gotUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("proxies:\n  - name: p1\n    type: ss\nrules:\n  - MATCH,DIRECT\n"))
	}))
	defer ts.Close()

	st := newTestStore(t, model.GlobalConfig{SourceURLs: []string{ts.URL}, CacheTTLMinutes: 60})
	f := New(st)
	defer f.Close()

	if err := f.Refresh(context.Background(), nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotUA != DefaultUserAgent {
		t.Fatalf("upstream UA = %q, want %q", gotUA, DefaultUserAgent)
	}

	doc, found, err := st.BaseDocument(context.Background())
	if err != nil || !found {
		t.Fatalf("BaseDocument = found=%v err=%v", found, err)
	}
	if len(doc.Proxies) != 1 || doc.Rules[0] != "MATCH,DIRECT" {
		t.Fatalf("cached doc = %#v", doc)
	}
	if _, found, _ := st.BaseRaw(context.Background()); !found {
		t.Fatalf("raw cache slot not written")
	}
}

func TestRefresh_CombinesSourcesLastWins(t *testing.T) {
	one := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxies:\n  - name: p1\nrules:\n  - R1\ncustom: first\n"))
	}))
	defer one.Close()
	two := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxies:\n  - name: p2\nrules:\n  - R2\ncustom: second\n"))
	}))
	defer two.Close()

	st := newTestStore(t, model.GlobalConfig{SourceURLs: []string{one.URL, two.URL}})
	f := New(st)
	defer f.Close()

	if err := f.Refresh(context.Background(), nil); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	doc, _, _ := st.BaseDocument(context.Background())
	if len(doc.Proxies) != 2 {
		t.Fatalf("proxies = %#v, want both sources", doc.Proxies)
	}
	if !reflect.DeepEqual(doc.Rules, []string{"R2"}) {
		t.Fatalf("rules = %#v, want last source", doc.Rules)
	}
	if doc.Extra["custom"] != "second" {
		t.Fatalf("extra = %#v, want last write wins", doc.Extra)
	}
}

func TestRefresh_PartialFailureStillSucceeds(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxies:\n  - name: p1\n"))
	}))
	defer good.Close()

	st := newTestStore(t, model.GlobalConfig{SourceURLs: []string{bad.URL, good.URL}})
	f := New(st)
	defer f.Close()

	var messages []string
	summary, err := f.RefreshWithProgress(context.Background(), nil, func(msg, typ string) {
		messages = append(messages, typ+": "+msg)
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !reflect.DeepEqual(summary.Refreshed, []string{good.URL}) || !reflect.DeepEqual(summary.Failed, []string{bad.URL}) {
		t.Fatalf("summary = %#v", summary)
	}
	if doc, found, _ := st.BaseDocument(context.Background()); !found || len(doc.Proxies) != 1 {
		t.Fatalf("cache not populated from surviving source")
	}
	if len(messages) == 0 || !strings.HasPrefix(messages[0], "info: ") {
		t.Fatalf("progress messages = %#v, want leading info step", messages)
	}
	var sawErr, sawOK bool
	for _, m := range messages {
		sawErr = sawErr || strings.HasPrefix(m, "error: ")
		sawOK = sawOK || strings.HasPrefix(m, "success: ")
	}
	if !sawErr || !sawOK {
		t.Fatalf("progress messages = %#v, want both error and success events", messages)
	}
}

func TestRefresh_TotalFailureKeepsStaleCache(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	st := newTestStore(t, model.GlobalConfig{SourceURLs: []string{bad.URL}})
	ctx := context.Background()

	stale, err := document.Normalize("proxies:\n  - name: stale\n")
	if err != nil {
		t.Fatalf("stale doc: %v", err)
	}
	if err := st.SaveBase(ctx, stale, "stale-raw", 0); err != nil {
		t.Fatalf("SaveBase: %v", err)
	}

	f := New(st)
	defer f.Close()

	err = f.Refresh(ctx, nil)
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	if fe.AppError.Code != "ALL_SOURCES_FAILED" {
		t.Fatalf("code = %q", fe.AppError.Code)
	}

	doc, found, _ := st.BaseDocument(ctx)
	if !found || doc.Proxies[0]["name"] != "stale" {
		t.Fatalf("stale cache was lost: found=%v doc=%#v", found, doc)
	}
}

func TestRefresh_NoSourcesConfigured(t *testing.T) {
	st := newTestStore(t, model.GlobalConfig{})
	f := New(st)
	defer f.Close()

	err := f.Refresh(context.Background(), nil)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.AppError.Code != "NO_SOURCES" {
		t.Fatalf("err = %v", err)
	}
}

func TestFilterSources(t *testing.T) {
	configured := []string{"https://a.example/sub", "https://b.example/sub"}

	matched, unknown := FilterSources(configured, nil)
	if !reflect.DeepEqual(matched, configured) || unknown != nil {
		t.Fatalf("empty filter: matched=%v unknown=%v", matched, unknown)
	}

	matched, unknown = FilterSources(configured, []string{"https://b.example/sub", "https://c.example/sub"})
	if !reflect.DeepEqual(matched, []string{"https://b.example/sub"}) {
		t.Fatalf("matched = %v", matched)
	}
	if !reflect.DeepEqual(unknown, []string{"https://c.example/sub"}) {
		t.Fatalf("unknown = %v", unknown)
	}
}
