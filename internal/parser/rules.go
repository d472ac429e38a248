package parser

import (
	"regexp"
	"strconv"
	"strings"

	"nmtboard.tail/internal/core/domain"
)

// Rule is one recognised line format. Rules are tried in order and the first
// rule whose pattern matches decides the outcome for the line.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Extract func(m *Matcher, line string, groups map[string]string) ParsedLine
}

// fieldRule maps the named groups of one " : "-separated training field to
// metric names.
type fieldRule struct {
	pattern *regexp.Regexp
	metrics map[string]string
}

var (
	timestampRe = regexp.MustCompile(`^\s*\[?(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\]?`)

	configRe   = regexp.MustCompile(`\[config\]\s+(?P<name>[A-Za-z][\w.-]*):\s+(?P<value>\S.*?)\s*$`)
	validRe    = regexp.MustCompile(`\[valid\]\s+Ep\.\s+(?P<epoch>[\d.]+)\s+:\s+Up\.\s+(?P<update>\d+)\s+:\s+(?P<metric>[A-Za-z][\w-]*)\s+:\s+(?P<value>-?\d+(?:\.\d*)?(?:[eE][-+]?\d+)?)(?:\s+:\s+stalled\s+(?P<stalled>\d+))?`)
	trainRe    = regexp.MustCompile(`(?:\bEp\.\s+(?P<epoch>[\d.]+)\s+:\s+)?\bUp\.\s+(?P<update>\d+)(?P<rest>(?:\s+:\s+.*)?)$`)
	epochRe    = regexp.MustCompile(`Starting epoch\s+(?P<epoch>\d+)|Seen\s+(?P<seen>[\d,]+)\s+(?:samples|sentences)`)
	finishedRe = regexp.MustCompile(`Training finished`)

	fieldSepRe = regexp.MustCompile(`\s+:\s+`)
)

var trainFields = []fieldRule{
	{
		pattern: regexp.MustCompile(`^Sen\.\s+(?P<sentences>[\d,]+)$`),
		metrics: map[string]string{"sentences": domain.MetricSentences},
	},
	{
		pattern: regexp.MustCompile(`^Cost\s+(?P<loss>[\d.eE+-]+)(?:\s+\*\s+(?P<labels>[\d,]+))?(?:\s+@\s+(?P<batch>[\d,]+))?(?:\s+after\s+(?P<total_labels>[\d,]+))?$`),
		metrics: map[string]string{
			"loss":         domain.MetricLoss,
			"labels":       domain.MetricLabels,
			"batch":        domain.MetricEffectiveBatchSize,
			"total_labels": domain.MetricTotalLabels,
		},
	},
	{
		pattern: regexp.MustCompile(`^Time\s+(?P<time>[\d.]+)s$`),
		metrics: map[string]string{"time": domain.MetricTimeSeconds},
	},
	{
		pattern: regexp.MustCompile(`^(?P<wps>[\d.]+)\s+words/s$`),
		metrics: map[string]string{"wps": domain.MetricWordsPerSecond},
	},
	{
		pattern: regexp.MustCompile(`^gNorm\s+(?P<gnorm>[\d.eE+-]+)$`),
		metrics: map[string]string{"gnorm": domain.MetricGradientNorm},
	},
	{
		pattern: regexp.MustCompile(`^L\.r\.\s+(?P<lr>[\d.eE+-]+)$`),
		metrics: map[string]string{"lr": domain.MetricLearningRate},
	},
}

// DefaultRules returns the Marian log formats in matching order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "config", Pattern: configRe, Extract: extractConfig},
		{Name: "valid", Pattern: validRe, Extract: extractValid},
		{Name: "train", Pattern: trainRe, Extract: extractTrain},
		{Name: "epoch", Pattern: epochRe, Extract: extractEpoch},
		{Name: "finished", Pattern: finishedRe, Extract: extractFinished},
	}
}

func extractConfig(_ *Matcher, _ string, g map[string]string) ParsedLine {
	return ParsedLine{
		Kind:   KindConfig,
		Config: &domain.ConfigEntry{Name: g["name"], Value: g["value"]},
	}
}

func extractValid(m *Matcher, line string, g map[string]string) ParsedLine {
	update, err := parseInt(g["update"])
	if err != nil {
		return malformed("valid")
	}
	value, err := strconv.ParseFloat(g["value"], 64)
	if err != nil {
		return malformed("valid")
	}
	var stalled int64
	if g["stalled"] != "" {
		if stalled, err = parseInt(g["stalled"]); err != nil {
			return malformed("valid")
		}
	}

	step, ok := m.stepForUpdate(update)
	if !ok {
		return malformed("valid")
	}
	m.epoch = g["epoch"]

	wall := wallTime(line)
	name := domain.ValidPrefix + g["metric"]
	return ParsedLine{
		Kind: KindMetrics,
		Rule: "valid",
		Records: []domain.MetricRecord{
			m.record(step, name, value, wall),
			m.record(step, name+domain.StalledSuffix, float64(stalled), wall),
		},
	}
}

func extractTrain(m *Matcher, line string, g map[string]string) ParsedLine {
	update, err := parseInt(g["update"])
	if err != nil {
		return malformed("train")
	}

	values := make(map[string]float64)
	order := make([]string, 0, 8)
	for _, field := range fieldSepRe.Split(g["rest"], -1) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		for _, fr := range trainFields {
			sub := fr.pattern.FindStringSubmatch(field)
			if sub == nil {
				continue
			}
			for i, group := range fr.pattern.SubexpNames() {
				metric, known := fr.metrics[group]
				if !known || sub[i] == "" {
					continue
				}
				v, err := parseFloat(sub[i])
				if err != nil {
					return malformed("train")
				}
				if _, seen := values[metric]; !seen {
					order = append(order, metric)
				}
				values[metric] = v
			}
			break
		}
	}
	if len(order) == 0 {
		return ParsedLine{Kind: KindNoMatch}
	}

	if sen, ok := values[domain.MetricSentences]; ok {
		values[domain.MetricTotalSentences] = sen + float64(m.seenSentences)
		order = append(order, domain.MetricTotalSentences)
	}

	var epochValue float64
	if g["epoch"] != "" {
		if epochValue, err = strconv.ParseFloat(g["epoch"], 64); err != nil {
			return malformed("train")
		}
		m.epoch = g["epoch"]
	}

	step, ok := m.selectStep(update, values)
	if !ok {
		return malformed("train")
	}

	wall := wallTime(line)
	records := make([]domain.MetricRecord, 0, len(order)+1)
	if g["epoch"] != "" {
		records = append(records, m.record(step, domain.MetricEpoch, epochValue, wall))
	}
	for _, metric := range order {
		records = append(records, m.record(step, metric, values[metric], wall))
	}
	return ParsedLine{Kind: KindMetrics, Rule: "train", Records: records}
}

func extractEpoch(m *Matcher, _ string, g map[string]string) ParsedLine {
	if g["epoch"] != "" {
		m.epoch = g["epoch"]
		return ParsedLine{Kind: KindEpoch, Rule: "epoch", Epoch: m.epoch}
	}
	seen, err := parseInt(g["seen"])
	if err != nil {
		return malformed("epoch")
	}
	m.seenSentences += seen
	return ParsedLine{Kind: KindEpoch, Rule: "epoch", Epoch: m.epoch}
}

func extractFinished(_ *Matcher, _ string, _ map[string]string) ParsedLine {
	return ParsedLine{Kind: KindFinished, Rule: "finished"}
}

func malformed(rule string) ParsedLine {
	return ParsedLine{Kind: KindMalformed, Rule: rule}
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
}
