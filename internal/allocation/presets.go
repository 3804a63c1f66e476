package allocation

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-andiamo/splitter"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"tournament-engine/internal/domain"
)

// Preset names accepted for the exam source selector.
const (
	PresetAll      = "all"
	PresetBoth     = "both"
	PresetYearA    = "2018"
	PresetYearB    = "2024"
	PresetValid    = "valid"
	PresetSections = "sections"
)

// Preset returns the ratio map for a named source selector.
func Preset(name string) (map[domain.Source]float64, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PresetAll:
		return map[domain.Source]float64{
			domain.SourceExamYearA: 0.4,
			domain.SourceExamYearB: 0.4,
			domain.SourceValidated: 0.2,
		}, nil
	case PresetBoth:
		return map[domain.Source]float64{
			domain.SourceExamYearA: 0.5,
			domain.SourceExamYearB: 0.5,
		}, nil
	case PresetYearA:
		return map[domain.Source]float64{domain.SourceExamYearA: 1}, nil
	case PresetYearB:
		return map[domain.Source]float64{domain.SourceExamYearB: 1}, nil
	case PresetValid:
		return map[domain.Source]float64{domain.SourceValidated: 1}, nil
	case PresetSections:
		return map[domain.Source]float64{domain.SourceSection: 1}, nil
	default:
		return nil, fmt.Errorf("unknown source preset %q", name)
	}
}

var sourceAliases = map[string]domain.Source{
	"exam_2018":         domain.SourceExamYearA,
	"examen2018":        domain.SourceExamYearA,
	"examenoficial2018": domain.SourceExamYearA,
	"2018":              domain.SourceExamYearA,
	"exam_2024":         domain.SourceExamYearB,
	"examen2024":        domain.SourceExamYearB,
	"examenoficial2024": domain.SourceExamYearB,
	"2024":              domain.SourceExamYearB,
	"validated":         domain.SourceValidated,
	"validquestion":     domain.SourceValidated,
	"valid":             domain.SourceValidated,
	"section":           domain.SourceSection,
	"sections":          domain.SourceSection,
	"sectionquestion":   domain.SourceSection,
}

// ResolveSource maps an operator-typed source name to a known source. Exact aliases win;
// otherwise the closest fuzzy match is used.
func ResolveSource(name string) (domain.Source, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", fmt.Errorf("empty source name")
	}
	if source, ok := sourceAliases[key]; ok {
		return source, nil
	}

	targets := make([]string, 0, len(sourceAliases))
	for alias := range sourceAliases {
		targets = append(targets, alias)
	}
	sort.Strings(targets)
	ranks := fuzzy.RankFindNormalizedFold(key, targets)
	if len(ranks) == 0 {
		return "", fmt.Errorf("unknown source %q", name)
	}
	sort.Sort(ranks)
	return sourceAliases[ranks[0].Target], nil
}

// ParseDistribution parses "exam_2018=0.4, exam_2024=0.4, validated=0.2". Entries may be
// double-quoted when a name contains the separator.
func ParseDistribution(raw string) (map[domain.Source]float64, error) {
	commaSplitter, err := splitter.NewSplitter(',', splitter.DoubleQuotes)
	if err != nil {
		return nil, err
	}
	parts, err := commaSplitter.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("split distribution: %w", err)
	}

	out := make(map[domain.Source]float64, len(parts))
	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), `"`)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("distribution entry %q: expected name=ratio", part)
		}
		source, err := ResolveSource(name)
		if err != nil {
			return nil, err
		}
		ratio, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("distribution entry %q: %w", part, err)
		}
		out[source] += ratio
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("distribution is empty")
	}
	return out, nil
}
