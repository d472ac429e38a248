// Package parser turns Marian training log lines into metric records.
package parser

import (
	"fmt"
	"strings"
	"time"

	"nmtboard.tail/internal/core/domain"
)

type Kind int

const (
	KindNoMatch Kind = iota
	KindMalformed
	KindMetrics
	KindConfig
	KindEpoch
	KindFinished
)

func (k Kind) String() string {
	switch k {
	case KindNoMatch:
		return "no_match"
	case KindMalformed:
		return "malformed"
	case KindMetrics:
		return "metrics"
	case KindConfig:
		return "config"
	case KindEpoch:
		return "epoch"
	case KindFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// ParsedLine is the outcome of matching a single line. Only the fields
// belonging to Kind are set.
type ParsedLine struct {
	Kind    Kind
	Rule    string
	Records []domain.MetricRecord
	Config  *domain.ConfigEntry
	Epoch   string
}

// StepKey selects which counter of a training line is used as the x-axis.
type StepKey string

const (
	StepUpdates   StepKey = "updates"
	StepSentences StepKey = "sentences"
	StepLabels    StepKey = "labels"
)

// ParseStepKey validates a configured step key. Empty means updates.
func ParseStepKey(s string) (StepKey, error) {
	switch StepKey(strings.ToLower(strings.TrimSpace(s))) {
	case "", StepUpdates:
		return StepUpdates, nil
	case StepSentences:
		return StepSentences, nil
	case StepLabels:
		return StepLabels, nil
	}
	return "", fmt.Errorf("unknown step key %q (want updates, sentences or labels)", s)
}

// Matcher applies the rule list to lines of one log source. It keeps the
// little state Marian logs require: the current logical epoch, the running
// count of sentences from finished epochs and the last update-to-step mapping.
// A Matcher must not be shared between sources.
type Matcher struct {
	rules   []Rule
	stepKey StepKey

	epoch         string
	seenSentences int64
	lastUpdate    int64
	lastStep      int64
	hasLast       bool
}

func NewMatcher(stepKey StepKey) *Matcher {
	return NewMatcherWithRules(stepKey, DefaultRules())
}

func NewMatcherWithRules(stepKey StepKey, rules []Rule) *Matcher {
	if stepKey == "" {
		stepKey = StepUpdates
	}
	return &Matcher{rules: rules, stepKey: stepKey}
}

// Match classifies one line. It never panics on malformed input; a line no
// rule recognises yields KindNoMatch.
func (m *Matcher) Match(line string) ParsedLine {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return ParsedLine{Kind: KindNoMatch}
	}
	for _, rule := range m.rules {
		sub := rule.Pattern.FindStringSubmatch(line)
		if sub == nil {
			continue
		}
		groups := make(map[string]string, len(sub))
		for i, name := range rule.Pattern.SubexpNames() {
			if name != "" {
				groups[name] = sub[i]
			}
		}
		parsed := rule.Extract(m, line, groups)
		if parsed.Rule == "" && parsed.Kind != KindNoMatch {
			parsed.Rule = rule.Name
		}
		return parsed
	}
	return ParsedLine{Kind: KindNoMatch}
}

// Epoch returns the logical epoch currently attached to records.
func (m *Matcher) Epoch() string {
	return m.epoch
}

// MatcherState is the per-source context a Matcher carries between lines.
// It is persisted with the read offsets so that a resumed run computes the
// same steps as an uninterrupted one.
type MatcherState struct {
	Epoch         string `json:"epoch,omitempty"`
	SeenSentences int64  `json:"seen_sentences,omitempty"`
	LastUpdate    int64  `json:"last_update,omitempty"`
	LastStep      int64  `json:"last_step,omitempty"`
	HasLast       bool   `json:"has_last,omitempty"`
}

func (m *Matcher) State() MatcherState {
	return MatcherState{
		Epoch:         m.epoch,
		SeenSentences: m.seenSentences,
		LastUpdate:    m.lastUpdate,
		LastStep:      m.lastStep,
		HasLast:       m.hasLast,
	}
}

// Restore continues from a state taken with State.
func (m *Matcher) Restore(st MatcherState) {
	m.epoch = st.Epoch
	m.seenSentences = st.SeenSentences
	m.lastUpdate = st.LastUpdate
	m.lastStep = st.LastStep
	m.hasLast = st.HasLast
}

// Reset forgets all per-source state, used when the file was rotated.
func (m *Matcher) Reset() {
	m.epoch = ""
	m.seenSentences = 0
	m.lastUpdate = 0
	m.lastStep = 0
	m.hasLast = false
}

func (m *Matcher) record(step int64, metric string, value float64, wall time.Time) domain.MetricRecord {
	return domain.MetricRecord{
		Step:     step,
		Metric:   metric,
		Value:    value,
		Epoch:    m.epoch,
		WallTime: wall,
	}
}

func (m *Matcher) selectStep(update int64, values map[string]float64) (int64, bool) {
	var step int64
	switch m.stepKey {
	case StepSentences:
		v, ok := values[domain.MetricTotalSentences]
		if !ok {
			return 0, false
		}
		step = int64(v)
	case StepLabels:
		v, ok := values[domain.MetricTotalLabels]
		if !ok {
			return 0, false
		}
		step = int64(v)
	default:
		step = update
	}
	if step < 0 {
		return 0, false
	}
	m.lastUpdate, m.lastStep, m.hasLast = update, step, true
	return step, true
}

func (m *Matcher) stepForUpdate(update int64) (int64, bool) {
	if m.stepKey == StepUpdates {
		return update, true
	}
	if m.hasLast && m.lastUpdate == update {
		return m.lastStep, true
	}
	return 0, false
}

func wallTime(line string) time.Time {
	sub := timestampRe.FindStringSubmatch(line)
	if sub == nil {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02 15:04:05", sub[1])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
