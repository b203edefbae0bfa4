// Package merge assembles a subscriber's personalized document from the
// cached base and the subscription's overrides.
//
// Named override sets replace their field wholesale: a rule set is the
// user's complete routing policy. Free-text extra rules append: they are
// pinned exceptions layered on whatever policy is active. Malformed override
// content is absorbed and the base field kept; an admin-entered draft must
// never break live subscriber traffic.
package merge

import (
	"strings"

	"github.com/elysiawen/SubLinks-sub002/internal/document"
	"github.com/elysiawen/SubLinks-sub002/internal/logx"
	"github.com/elysiawen/SubLinks-sub002/internal/model"
)

type Overrides struct {
	GroupSet   *model.OverrideSet
	RuleSet    *model.OverrideSet
	ExtraRules string
}

// Merge produces the personalized document. It is pure: the base is
// deep-copied first and never mutated, and data-shape problems in optional
// overrides degrade to the unmodified base field.
func Merge(base *model.Document, ov Overrides) *model.Document {
	out := document.Clone(base)

	if set := ov.GroupSet; set != nil && set.ID != model.DefaultOverrideID {
		if groups, ok := document.ParseGroupList(set.Content); ok {
			out.ProxyGroups = groups
		} else {
			logx.L().Warn("组覆写内容无法解析为列表，保留上游分组", "id", set.ID, "name", set.Name)
		}
	}

	if set := ov.RuleSet; set != nil && set.ID != model.DefaultOverrideID {
		if rules, ok := document.ParseRuleList(set.Content); ok {
			out.Rules = rules
		} else {
			logx.L().Warn("规则覆写内容无法解析为列表，保留上游规则", "id", set.ID, "name", set.Name)
		}
	}

	if extra := CleanRuleLines(ov.ExtraRules); len(extra) > 0 {
		out.Rules = append(out.Rules, extra...)
	}

	return out
}

// Render merges and serializes in one step. Serialization of the merged
// document is the only hard failure; the resolver treats it as the signal to
// fall back to raw pass-through.
func Render(base *model.Document, ov Overrides) (string, error) {
	return document.Serialize(Merge(base, ov))
}

// CleanRuleLines splits free-text rules on newlines, trims each line and
// drops blanks and '#' comments.
func CleanRuleLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
