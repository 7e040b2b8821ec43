package gateway

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/Tyrowin/gochat-gateway/internal/store"
)

type wordFilterConfig struct {
	Words []string `json:"words"`
}

type linkFilterConfig struct {
	AllowedDomains []string `json:"allowedDomains"`
}

type capsFilterConfig struct {
	MaxPercent int `json:"maxPercent"`
	MinLength  int `json:"minLength"`
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+|\bwww\.[^\s<>"]+`)

// violatedRule returns the first rule the content violates, or nil. Rules
// with an unknown type or an unreadable config never match.
func violatedRule(rules []store.AutoModRule, content string) *store.AutoModRule {
	for i := range rules {
		r := &rules[i]
		if !r.IsEnabled {
			continue
		}
		var hit bool
		switch r.Type {
		case store.RuleWordFilter:
			hit = matchWordFilter(r.Config, content)
		case store.RuleLinkFilter:
			hit = matchLinkFilter(r.Config, content)
		case store.RuleCapsFilter:
			hit = matchCapsFilter(r.Config, content)
		}
		if hit {
			return r
		}
	}
	return nil
}

func matchWordFilter(raw []byte, content string) bool {
	var cfg wordFilterConfig
	if json.Unmarshal(raw, &cfg) != nil {
		return false
	}
	lower := strings.ToLower(content)
	for _, w := range cfg.Words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func matchLinkFilter(raw []byte, content string) bool {
	var cfg linkFilterConfig
	if len(raw) > 0 && json.Unmarshal(raw, &cfg) != nil {
		return false
	}
	for _, link := range linkPattern.FindAllString(content, -1) {
		if !strings.Contains(link, "://") {
			link = "http://" + link
		}
		u, err := url.Parse(link)
		if err != nil || !domainAllowed(strings.ToLower(u.Hostname()), cfg.AllowedDomains) {
			return true
		}
	}
	return false
}

func domainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" && (host == d || strings.HasSuffix(host, "."+d)) {
			return true
		}
	}
	return false
}

func matchCapsFilter(raw []byte, content string) bool {
	cfg := capsFilterConfig{MaxPercent: 70, MinLength: 10}
	if len(raw) > 0 && json.Unmarshal(raw, &cfg) != nil {
		return false
	}
	letters, upper := 0, 0
	for _, r := range content {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < cfg.MinLength || letters == 0 {
		return false
	}
	return upper*100/letters > cfg.MaxPercent
}
