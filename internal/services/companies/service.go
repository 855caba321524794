package companies

import (
	"sort"
	"strings"

	"plontis/internal/domain"
)

// DefaultTaxonomy maps canonical bot operators to the user-agent tokens and
// names sites report for them. Deployments override it through configuration.
var DefaultTaxonomy = map[string][]string{
	"OpenAI":       {"openai", "gptbot", "chatgpt-user", "chatgpt", "oai-searchbot"},
	"Anthropic":    {"anthropic", "anthropic-ai", "claudebot", "claude-web", "claude-user", "claude"},
	"Google":       {"google", "google-extended", "googleother", "gemini"},
	"Meta":         {"meta", "meta-externalagent", "meta-externalfetcher", "facebookbot"},
	"Perplexity":   {"perplexity", "perplexitybot", "perplexity-user"},
	"ByteDance":    {"bytedance", "bytespider"},
	"Common Crawl": {"common crawl", "commoncrawl", "ccbot"},
	"Apple":        {"apple", "applebot-extended"},
	"Amazon":       {"amazon", "amazonbot"},
	"Cohere":       {"cohere", "cohere-ai"},
	"Mistral":      {"mistral", "mistralai-user"},
}

// Service normalizes reported bot company names onto a fixed taxonomy.
// It is immutable after construction and safe for concurrent use.
type Service struct {
	aliases map[string]string
	names   []string
}

func New(taxonomy map[string][]string) *Service {
	if len(taxonomy) == 0 {
		taxonomy = DefaultTaxonomy
	}
	s := &Service{aliases: make(map[string]string)}
	for canonical, aliases := range taxonomy {
		canonical = strings.TrimSpace(canonical)
		if canonical == "" {
			continue
		}
		s.names = append(s.names, canonical)
		s.aliases[fold(canonical)] = canonical
		for _, a := range aliases {
			if k := fold(a); k != "" {
				s.aliases[k] = canonical
			}
		}
	}
	sort.Strings(s.names)
	return s
}

// Normalize maps a reported name to its canonical company, or domain.UnknownCompany.
func (s *Service) Normalize(reported string) string {
	if c, ok := s.aliases[fold(reported)]; ok {
		return c
	}
	return domain.UnknownCompany
}

// Known lists canonical company names in sorted order.
func (s *Service) Known() []string {
	return append([]string(nil), s.names...)
}

func fold(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	return strings.Join(strings.Fields(v), " ")
}
