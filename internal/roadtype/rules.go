package roadtype

import (
	"os"
	"regexp"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Local classification labels.
const (
	Highway         = "Highway"
	NationalRoad    = "National Road"
	CountryRoad     = "Country Road"
	DistrictRoad    = "District Road"
	ResidentialRoad = "Residential Road"
	// Undefined is the local class of a road without a street name.
	Undefined = "undefined"
)

// Rule assigns Label to street names matching Pattern.
type Rule struct {
	Pattern *regexp.Regexp
	Label   string
}

// RuleSet classifies street names by ordered rules; the first match wins and
// names matching no rule get Fallback.
type RuleSet struct {
	Rules    []Rule
	Fallback string
}

// DefaultRules returns the built-in street-name rules.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Rules: []Rule{
			{Pattern: regexp.MustCompile(`^A\d+`), Label: Highway},
			{Pattern: regexp.MustCompile(`^B\d+`), Label: NationalRoad},
			{Pattern: regexp.MustCompile(`^L\d+`), Label: CountryRoad},
			{Pattern: regexp.MustCompile(`^[A-Z]+ \d+`), Label: DistrictRoad},
		},
		Fallback: ResidentialRoad,
	}
}

// Classify returns the local class for a street name. An empty name yields
// Undefined.
func (rs *RuleSet) Classify(name string) string {
	if name == "" {
		return Undefined
	}
	for _, r := range rs.Rules {
		if r.Pattern.MatchString(name) {
			return r.Label
		}
	}
	return rs.Fallback
}

type rulesFile struct {
	Rules []struct {
		Pattern string `yaml:"pattern"`
		Label   string `yaml:"label"`
	} `yaml:"rules"`
	Fallback string `yaml:"fallback"`
}

// ParseRules reads a YAML rule list:
//
//	rules:
//	  - pattern: '^A\d+'
//	    label: Highway
//	fallback: Residential Road
//
// Patterns are anchored by the author; a missing fallback keeps ResidentialRoad.
func ParseRules(data []byte) (*RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "roadtype: parse rules")
	}
	if len(f.Rules) == 0 {
		return nil, eris.New("roadtype: rules file defines no rules")
	}

	rs := &RuleSet{Fallback: f.Fallback}
	if rs.Fallback == "" {
		rs.Fallback = ResidentialRoad
	}
	for i, r := range f.Rules {
		if r.Label == "" {
			return nil, eris.Errorf("roadtype: rule %d has no label", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, eris.Wrapf(err, "roadtype: rule %d pattern", i)
		}
		rs.Rules = append(rs.Rules, Rule{Pattern: re, Label: r.Label})
	}
	return rs, nil
}

// LoadRules reads a rule file from path.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "roadtype: read rules %s", path)
	}
	return ParseRules(data)
}
