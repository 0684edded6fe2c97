// Package speakers keeps speaker identities stable across independently
// diarized chunks of one meeting. Each chunk's raw labels are averaged into
// one embedding per label and matched by cosine distance against the
// meeting's reference set; unmatched labels get new "Speaker N" ids.
package speakers

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
)

// DefaultThreshold is the cosine distance below which a label is considered
// the same speaker as a reference.
const DefaultThreshold = 0.3

// UpdatePolicy controls what happens to a reference vector after a match.
type UpdatePolicy string

const (
	// UpdateReplace overwrites the reference with the chunk's mean vector.
	UpdateReplace UpdatePolicy = "replace"
	// UpdateEMA blends the chunk's mean into the reference with weight EMAAlpha.
	UpdateEMA UpdatePolicy = "ema"
)

// Action records how a label was resolved.
type Action string

const (
	ActionSeeded  Action = "seeded"
	ActionMatched Action = "matched"
	ActionMinted  Action = "minted"
)

// MatcherConfig configures a Matcher.
type MatcherConfig struct {
	Threshold float64
	Policy    UpdatePolicy
	EMAAlpha  float64
	// Exclusive prevents two labels of one chunk from resolving to the same
	// reference id.
	Exclusive bool
}

// DefaultMatcherConfig returns the production defaults.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Threshold: DefaultThreshold,
		Policy:    UpdateReplace,
		EMAAlpha:  0.5,
		Exclusive: true,
	}
}

// Validate checks the configuration.
func (c MatcherConfig) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 2 {
		return fmt.Errorf("matching threshold must be in (0, 2], got %v", c.Threshold)
	}
	switch c.Policy {
	case UpdateReplace:
	case UpdateEMA:
		if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
			return fmt.Errorf("ema_alpha must be in (0, 1], got %v", c.EMAAlpha)
		}
	default:
		return fmt.Errorf("unknown update policy %q", c.Policy)
	}
	return nil
}

// Resolution is the outcome for one raw label.
type Resolution struct {
	Label     string
	SpeakerID string
	Action    Action
	// Distance to the matched reference, or to the nearest one for minted
	// ids. Zero when seeding.
	Distance float64
}

// Result of matching one chunk.
type Result struct {
	// Mapping from raw label to canonical speaker id.
	Mapping map[string]string
	// Resolutions in ascending label order.
	Resolutions []Resolution
	// References is the updated set to persist.
	References ReferenceSet
}

// Matcher resolves chunk-local labels to meeting-stable ids.
type Matcher struct {
	cfg    MatcherConfig
	logger logging.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(cfg MatcherConfig, logger logging.Logger) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Matcher{cfg: cfg, logger: logger.With(logging.Component("matcher"))}, nil
}

// Config returns the matcher configuration.
func (m *Matcher) Config() MatcherConfig {
	return m.cfg
}

// Match resolves every label in labels against refs. refs is not modified;
// the updated set is returned in the Result.
func (m *Matcher) Match(refs ReferenceSet, labels map[string][]float64) (*Result, error) {
	order := make([]string, 0, len(labels))
	for label := range labels {
		order = append(order, label)
	}
	sort.Strings(order)

	res := &Result{
		Mapping:    make(map[string]string, len(labels)),
		References: refs.Clone(),
	}

	if len(refs) == 0 {
		for _, label := range order {
			res.References[label] = append([]float64(nil), labels[label]...)
			res.Mapping[label] = label
			res.Resolutions = append(res.Resolutions, Resolution{Label: label, SpeakerID: label, Action: ActionSeeded})
		}
		return res, nil
	}

	var err error
	if m.cfg.Exclusive {
		err = m.matchExclusive(res, order, labels)
	} else {
		err = m.matchSequential(res, order, labels)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(res.Resolutions, func(i, j int) bool {
		return res.Resolutions[i].Label < res.Resolutions[j].Label
	})
	return res, nil
}

// matchSequential resolves labels one at a time against the live reference
// set, so a label may match an id minted earlier in the same chunk and two
// labels may share an id.
func (m *Matcher) matchSequential(res *Result, order []string, labels map[string][]float64) error {
	for _, label := range order {
		vec := labels[label]
		id, d, err := nearest(res.References, vec)
		if err != nil {
			return err
		}
		if id != "" && d < m.cfg.Threshold {
			m.update(res.References, id, vec)
			res.Mapping[label] = id
			res.Resolutions = append(res.Resolutions, Resolution{Label: label, SpeakerID: id, Action: ActionMatched, Distance: d})
			continue
		}
		newID := mint(res.References)
		res.References[newID] = append([]float64(nil), vec...)
		res.Mapping[label] = newID
		res.Resolutions = append(res.Resolutions, Resolution{Label: label, SpeakerID: newID, Action: ActionMinted, Distance: d})
	}
	return nil
}

type candidate struct {
	label string
	id    string
	dist  float64
}

// matchExclusive assigns (label, reference) pairs under the threshold
// greedily by ascending distance, each reference at most once. Labels left
// over mint new ids in label order.
func (m *Matcher) matchExclusive(res *Result, order []string, labels map[string][]float64) error {
	ids := res.References.IDs()
	nearestDist := make(map[string]float64, len(order))

	var cands []candidate
	for _, label := range order {
		best := -1.0
		for _, id := range ids {
			d, err := CosineDistance(labels[label], res.References[id])
			if err != nil {
				return fmt.Errorf("match %s against %s: %w", label, id, err)
			}
			if best < 0 || d < best {
				best = d
			}
			if d < m.cfg.Threshold {
				cands = append(cands, candidate{label: label, id: id, dist: d})
			}
		}
		nearestDist[label] = best
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.label != b.label {
			return a.label < b.label
		}
		return a.id < b.id
	})

	claimed := make(map[string]bool)
	for _, c := range cands {
		if _, done := res.Mapping[c.label]; done || claimed[c.id] {
			continue
		}
		claimed[c.id] = true
		res.Mapping[c.label] = c.id
		res.Resolutions = append(res.Resolutions, Resolution{Label: c.label, SpeakerID: c.id, Action: ActionMatched, Distance: c.dist})
	}
	for _, c := range res.Resolutions {
		m.update(res.References, c.SpeakerID, labels[c.Label])
	}

	for _, label := range order {
		if _, done := res.Mapping[label]; done {
			continue
		}
		newID := mint(res.References)
		res.References[newID] = append([]float64(nil), labels[label]...)
		res.Mapping[label] = newID
		res.Resolutions = append(res.Resolutions, Resolution{Label: label, SpeakerID: newID, Action: ActionMinted, Distance: nearestDist[label]})
		if nearestDist[label] >= 0 && nearestDist[label] < m.cfg.Threshold {
			m.logger.Debug("label lost its nearest reference to another label in the chunk",
				logging.F("label", label),
				logging.F("speaker_id", newID))
		}
	}
	return nil
}

func (m *Matcher) update(refs ReferenceSet, id string, vec []float64) {
	switch m.cfg.Policy {
	case UpdateEMA:
		blended := floats.ScaleTo(make([]float64, len(vec)), 1-m.cfg.EMAAlpha, refs[id])
		floats.AddScaled(blended, m.cfg.EMAAlpha, vec)
		refs[id] = blended
	default:
		refs[id] = append([]float64(nil), vec...)
	}
}

// nearest returns the reference closest to vec. Ties go to the lowest id.
func nearest(refs ReferenceSet, vec []float64) (string, float64, error) {
	bestID := ""
	best := 0.0
	for _, id := range refs.IDs() {
		d, err := CosineDistance(vec, refs[id])
		if err != nil {
			return "", 0, fmt.Errorf("match against %s: %w", id, err)
		}
		if bestID == "" || d < best {
			bestID, best = id, d
		}
	}
	return bestID, best, nil
}

// mint returns "Speaker {N+1}" for N = len(refs), stepping past ids that are
// already taken.
func mint(refs ReferenceSet) string {
	for n := len(refs) + 1; ; n++ {
		id := fmt.Sprintf("Speaker %d", n)
		if _, taken := refs[id]; !taken {
			return id
		}
	}
}
