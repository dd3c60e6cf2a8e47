package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed patterns.yaml
var embeddedPatterns []byte

// ContentTerm tags a physically-impossible query term with the severity
// tier that governs how hard the constraint enforcer discounts a match.
type ContentTerm struct {
	Term     string `yaml:"term"`
	Severity string `yaml:"severity"`
}

// PatternLists holds every closed string list the constraint enforcer and
// the security gate screen free text against. Loaded once at startup from
// the embedded default, or from Security.PatternsFilePath when set.
type PatternLists struct {
	PromptInjectionPatterns []string     `yaml:"prompt_injection_patterns"`
	SQLInjectionPatterns    []string     `yaml:"sql_injection_patterns"`
	SuspiciousUserAgents    []string     `yaml:"suspicious_user_agents"`
	ImpossibleLocations     []string     `yaml:"impossible_locations"`
	PropertyTypeSynonyms    [][]string   `yaml:"property_type_synonyms"`
	CBDNeighborhoods        []string     `yaml:"cbd_neighborhoods"`
	ImpossibleContentTerms  []ContentTerm `yaml:"impossible_content_terms"`
}

// LoadPatterns parses the embedded default pattern file, or overridePath
// when non-empty.
func LoadPatterns(overridePath string) (PatternLists, error) {
	data := embeddedPatterns
	if overridePath != "" {
		b, err := os.ReadFile(overridePath)
		if err != nil {
			return PatternLists{}, fmt.Errorf("config: read patterns file: %w", err)
		}
		data = b
	}
	var pl PatternLists
	if err := yaml.Unmarshal(data, &pl); err != nil {
		return PatternLists{}, fmt.Errorf("config: parse patterns file: %w", err)
	}
	return pl, nil
}

// SeverityMultiplier maps an impossible-content severity tier to the score
// multiplier the constraint enforcer applies on a match.
func SeverityMultiplier(severity string) float64 {
	switch severity {
	case "severe":
		return 0.6
	case "moderate":
		return 0.3
	case "mild":
		return 0.15
	default:
		return 1.0
	}
}
