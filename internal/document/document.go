// Package document parses, normalizes and re-emits upstream proxy
// configuration documents. Documents are generic YAML mappings; the three
// primary fields (proxies / proxy-groups / rules) are guaranteed to exist as
// lists after Normalize, everything else is carried through untouched.
package document

import (
	"fmt"

	"github.com/elysiawen/SubLinks-sub002/internal/model"
	"gopkg.in/yaml.v3"
)

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// Normalize parses raw YAML text into a canonical document.
//
// Malformed primary fields are coerced to empty lists instead of failing the
// whole document; partial availability beats strict correctness here. The
// only failure mode is text that is not a YAML mapping at all.
func Normalize(raw string) (*model.Document, error) {
	var top map[string]any
	if err := yaml.Unmarshal([]byte(raw), &top); err != nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "DOCUMENT_PARSE_ERROR",
				Message: "上游配置不是合法的 YAML 文档",
				Stage:   "normalize",
			},
			Cause: err,
		}
	}
	if top == nil {
		return nil, &ParseError{
			AppError: model.AppError{
				Code:    "DOCUMENT_PARSE_ERROR",
				Message: "上游配置为空或不是映射结构",
				Stage:   "normalize",
			},
		}
	}

	doc := model.NewDocument()
	for key, val := range top {
		switch key {
		case "proxies":
			doc.Proxies = coerceMapList(val)
		case "proxy-groups", "proxyGroups":
			doc.ProxyGroups = coerceMapList(val)
		case "rules":
			doc.Rules = coerceStringList(val)
		default:
			doc.Extra[key] = val
		}
	}
	return doc, nil
}

// Serialize re-emits a document as YAML. Extra keys are written alongside the
// three primary fields; yaml.v3 sorts map keys, which is fine — field
// identity matters, key order does not.
func Serialize(doc *model.Document) (string, error) {
	out, err := yaml.Marshal(ToMap(doc))
	if err != nil {
		return "", &ParseError{
			AppError: model.AppError{
				Code:    "DOCUMENT_SERIALIZE_ERROR",
				Message: "配置文档序列化失败",
				Stage:   "serialize",
			},
			Cause: err,
		}
	}
	return string(out), nil
}

// ToMap flattens a document back into a generic top-level mapping.
func ToMap(doc *model.Document) map[string]any {
	top := make(map[string]any, len(doc.Extra)+3)
	for k, v := range doc.Extra {
		top[k] = v
	}
	top["proxies"] = doc.Proxies
	top["proxy-groups"] = doc.ProxyGroups
	top["rules"] = doc.Rules
	return top
}

// Clone deep-copies a document so merges never touch the cached base.
func Clone(doc *model.Document) *model.Document {
	out := &model.Document{
		Proxies:     make([]map[string]any, 0, len(doc.Proxies)),
		ProxyGroups: make([]map[string]any, 0, len(doc.ProxyGroups)),
		Rules:       append([]string(nil), doc.Rules...),
		Extra:       make(map[string]any, len(doc.Extra)),
	}
	for _, p := range doc.Proxies {
		out.Proxies = append(out.Proxies, cloneMap(p))
	}
	for _, g := range doc.ProxyGroups {
		out.ProxyGroups = append(out.ProxyGroups, cloneMap(g))
	}
	for k, v := range doc.Extra {
		out.Extra[k] = cloneValue(v)
	}
	return out
}

// ParseGroupList parses override-set content as a list of group definitions.
// Any shape mismatch (not YAML, not a list, empty list) reports ok=false and
// never an error: override content is admin-entered and must not be able to
// break live subscriber traffic.
func ParseGroupList(content string) ([]map[string]any, bool) {
	var items []any
	if err := yaml.Unmarshal([]byte(content), &items); err != nil {
		return nil, false
	}
	groups := coerceMapList(items)
	if len(groups) == 0 {
		return nil, false
	}
	return groups, true
}

// ParseRuleList parses override-set content as a list of rule lines, with
// the same lenient shape policy as ParseGroupList.
func ParseRuleList(content string) ([]string, bool) {
	var items []any
	if err := yaml.Unmarshal([]byte(content), &items); err != nil {
		return nil, false
	}
	rules := coerceStringList(items)
	if len(rules) == 0 {
		return nil, false
	}
	return rules, true
}

func coerceMapList(val any) []map[string]any {
	items, ok := val.([]any)
	if !ok {
		return []map[string]any{}
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func coerceStringList(val any) []string {
	items, ok := val.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
