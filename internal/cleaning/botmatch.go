package cleaning

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/riskline/defector/internal/domain"
)

// BotMatcher decides whether a commit author is a bot. Exclusion patterns
// win over inclusion patterns, so "dependabot[bot]" can be bot-matched while
// "alice-the-bot-fan" stays human via an exclusion.
type BotMatcher struct {
	include []compiledPattern
	exclude []compiledPattern
}

type compiledPattern struct {
	typ     domain.BotPatternType
	pattern string
	re      *regexp.Regexp
}

// NewBotMatcher compiles a pattern set; invalid regex patterns reject.
func NewBotMatcher(patterns []domain.BotPattern) (*BotMatcher, error) {
	m := &BotMatcher{}
	for _, p := range patterns {
		cp := compiledPattern{typ: p.Type, pattern: p.Pattern}
		if p.Type == domain.BotPatternRegex {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("bot pattern %q: %w: %w", p.Pattern, domain.ErrInvalidArgument, err)
			}
			cp.re = re
		}
		if p.IsExclusion {
			m.exclude = append(m.exclude, cp)
		} else {
			m.include = append(m.include, cp)
		}
	}
	return m, nil
}

func (cp compiledPattern) matches(author string) bool {
	switch cp.typ {
	case domain.BotPatternExact:
		return strings.EqualFold(author, cp.pattern)
	case domain.BotPatternWildcard:
		ok, err := path.Match(strings.ToLower(cp.pattern), strings.ToLower(author))
		return err == nil && ok
	case domain.BotPatternRegex:
		return cp.re.MatchString(author)
	}
	return false
}

// IsBot reports whether author matches any inclusion pattern and no
// exclusion pattern.
func (m *BotMatcher) IsBot(author string) bool {
	for _, cp := range m.exclude {
		if cp.matches(author) {
			return false
		}
	}
	for _, cp := range m.include {
		if cp.matches(author) {
			return true
		}
	}
	return false
}
