package registry

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Entry is one registered tenant as declared in the registry file.
type Entry struct {
	TeamID       string          `yaml:"team_id"`
	CodeLocation string          `yaml:"code_location"`
	EntryPoint   string          `yaml:"entry_point"`
	InitialCash  decimal.Decimal `yaml:"initial_cash"`
	Run247       bool            `yaml:"run_24_7"`
	Params       map[string]any  `yaml:"params"`
}

type Registry struct {
	Teams []Entry `yaml:"teams"`
}

const _initialCashDefault = 10000

// Load reads and validates the registry file. Entries without a usable team
// id are dropped; duplicate slugs keep the first occurrence.
func Load(filename string) (*Registry, error) {
	input, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: can't read registry", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(input, &reg); err != nil {
		return nil, fmt.Errorf("%w: can't unmarshal registry", err)
	}

	seen := make(map[string]struct{})
	entries := make([]Entry, 0, len(reg.Teams))
	for _, e := range reg.Teams {
		e.TeamID = Slug(e.TeamID)
		if e.TeamID == "" {
			continue
		}
		if _, ok := seen[e.TeamID]; ok {
			continue
		}
		seen[e.TeamID] = struct{}{}
		if e.InitialCash.LessThanOrEqual(decimal.Zero) {
			e.InitialCash = decimal.NewFromInt(_initialCashDefault)
		}
		entries = append(entries, e)
	}
	reg.Teams = entries

	return &reg, nil
}

// IDs returns the set of registered team slugs.
func (r *Registry) IDs() map[string]struct{} {
	out := make(map[string]struct{}, len(r.Teams))
	for _, e := range r.Teams {
		out[e.TeamID] = struct{}{}
	}
	return out
}

// Slug normalizes a team name into its runtime key: lowercase, spaces and
// underscores collapsed to single hyphens, everything else alphanumeric.
func Slug(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ' || r == '_' || r == '-':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
