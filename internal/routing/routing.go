// Package routing decides which recipients receive a catalog message.
//
// A group matches a message when they share at least one tag and the group
// carries none of the message's blacklist tags. Recipients of matching groups
// are emitted in group order, then recipient order, each name at most once.
package routing

import (
	"strconv"
	"strings"

	"batchbot/internal/domain"
)

// Verdict explains why a group did or did not match a message.
type Verdict struct {
	GroupID string
	Matched bool
	Reason  string // matched | no shared tag | blacklisted by <tag>
}

// Route returns the ordered, deduplicated targets of msg among groups.
// No matching group yields an empty decision, not an error.
func Route(msg domain.MessageDefinition, groups []domain.RecipientGroup) (domain.RoutingDecision, error) {
	if err := check(msg, groups); err != nil {
		return domain.RoutingDecision{}, err
	}

	decision := domain.RoutingDecision{MessageID: msg.ID}
	tags := toSet(msg.Tags)
	blacklist := toSet(msg.BlacklistTags)
	seen := make(map[string]bool)

	for _, g := range groups {
		if ok, _ := match(tags, blacklist, g); !ok {
			continue
		}
		for _, r := range g.Recipients {
			if seen[r] {
				continue
			}
			seen[r] = true
			decision.Targets = append(decision.Targets, domain.Target{
				Recipient: r,
				Content:   msg.Content,
			})
		}
	}
	return decision, nil
}

// Matches reports whether group receives msg.
func Matches(msg domain.MessageDefinition, group domain.RecipientGroup) bool {
	ok, _ := match(toSet(msg.Tags), toSet(msg.BlacklistTags), group)
	return ok
}

// Explain returns a verdict for every group, in group order.
func Explain(msg domain.MessageDefinition, groups []domain.RecipientGroup) []Verdict {
	tags := toSet(msg.Tags)
	blacklist := toSet(msg.BlacklistTags)
	out := make([]Verdict, 0, len(groups))
	for _, g := range groups {
		ok, reason := match(tags, blacklist, g)
		out = append(out, Verdict{GroupID: g.ID, Matched: ok, Reason: reason})
	}
	return out
}

// match checks the blacklist first so it always takes precedence.
func match(tags, blacklist map[string]struct{}, g domain.RecipientGroup) (bool, string) {
	for _, t := range g.Tags {
		if _, bad := blacklist[t]; bad {
			return false, "blacklisted by " + t
		}
	}
	for _, t := range g.Tags {
		if _, ok := tags[t]; ok {
			return true, "matched"
		}
	}
	return false, "no shared tag"
}

func check(msg domain.MessageDefinition, groups []domain.RecipientGroup) error {
	var problems []string
	if strings.TrimSpace(msg.ID) == "" {
		problems = append(problems, "message: id is required")
	}
	ids := make(map[string]bool, len(groups))
	for i, g := range groups {
		if strings.TrimSpace(g.ID) == "" {
			problems = append(problems, "groups["+strconv.Itoa(i)+"]: id is required")
			continue
		}
		if ids[g.ID] {
			problems = append(problems, "groups."+g.ID+": duplicate group id")
		}
		ids[g.ID] = true
		for j, r := range g.Recipients {
			if strings.TrimSpace(r) == "" {
				problems = append(problems, "groups."+g.ID+".recipients["+strconv.Itoa(j)+"]: recipient name is empty")
			}
		}
	}
	if len(problems) > 0 {
		return &domain.ConfigError{Problems: problems}
	}
	return nil
}

func toSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	return set
}
