// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

package transmogrifier

import (
	"regexp"
	"time"

	"github.com/drovelabs/drove/warden/catalog"
	"github.com/drovelabs/drove/warden/rules"
)

// matcher is one compiled active subscription.
type matcher struct {
	sub     catalog.Subscription
	pattern *regexp.Regexp
}

// compileMatcher precompiles the subscription filter. A broken pattern is an
// error the caller marks the subscription with.
func compileMatcher(sub catalog.Subscription) (*matcher, error) {
	m := &matcher{sub: sub}
	if sub.Filter.Pattern != "" {
		pattern, err := regexp.Compile(sub.Filter.Pattern)
		if err != nil {
			return nil, Error.New("subscription %q has a broken pattern: %v", sub.Name, err)
		}
		m.pattern = pattern
	}
	return m, nil
}

// matches reports whether the identifier passes the subscription filter:
// the name pattern, scope membership and every metadata key.
func (m *matcher) matches(entry catalog.DIDEntry, meta map[string]string) bool {
	if m.pattern != nil && !m.pattern.MatchString(entry.Name) {
		return false
	}
	if len(m.sub.Filter.Scopes) > 0 && !contains(m.sub.Filter.Scopes, entry.Scope) {
		return false
	}
	for key, accepted := range m.sub.Filter.Metadata {
		if !contains(accepted, meta[key]) {
			return false
		}
	}
	return true
}

// specs expands the subscription's rule templates for the rule engine.
func (m *matcher) specs() []rules.Spec {
	specs := make([]rules.Spec, 0, len(m.sub.Rules))
	for _, template := range m.sub.Rules {
		id := m.sub.ID
		grouping := catalog.GroupingDataset
		if template.Grouping != "" {
			grouping = catalog.RuleGrouping(template.Grouping[0])
		}
		specs = append(specs, rules.Spec{
			Account:        m.sub.Account,
			Copies:         template.Copies,
			RSEExpression:  template.RSEExpression,
			Grouping:       grouping,
			Weight:         template.Weight,
			Lifetime:       time.Duration(template.LifetimeSeconds) * time.Second,
			SubscriptionID: &id,
		})
	}
	return specs
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
