// core/topology.go
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// ErrUnknownEncoding rejects scenario documents that name an encoding
// this build does not implement.
var ErrUnknownEncoding = errors.New("unsupported encoding")

// Encoding selects the generation handshake variant a node pair runs.
type Encoding int

const (
	// EncodingSingleHeralded: one negotiated window, both detector channels
	// must fire, closed-form state update.
	EncodingSingleHeralded Encoding = iota
	// EncodingBarrettKok: two-round variant with parity-dependent
	// correction.
	EncodingBarrettKok
)

func (e Encoding) String() string {
	switch e {
	case EncodingSingleHeralded:
		return "single_heralded"
	case EncodingBarrettKok:
		return "barrett_kok"
	default:
		return "unknown"
	}
}

// EncodingFromString maps a config string to an Encoding. Unsupported
// encodings are a setup error, never a silent default.
func EncodingFromString(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single_heralded", "sh":
		return EncodingSingleHeralded, nil
	case "barrett_kok", "bk", "physical":
		return EncodingBarrettKok, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownEncoding, s)
	}
}

// Default memory/channel parameters applied when the scenario omits them.
const (
	defaultFrequencyHz   = 2000.0
	defaultEfficiency    = 0.75
	defaultCoherenceTime = 2 * time.Second
	defaultRawFidelity   = 0.85
	defaultAttenuation   = 0.0002 // dB per metre of fibre
	defaultResolution    = 100 * time.Nanosecond
)

// MemoryTemplate carries the physical parameters shared by every memory
// slot built from it.
type MemoryTemplate struct {
	// FrequencyHz is the maximum excitation frequency; emission times are
	// quantised to its period.
	FrequencyHz float64
	// Efficiency is the probability an excited memory actually emits a
	// photon into the channel.
	Efficiency float64
	// CoherenceTime drives decoherence of held entanglement.
	CoherenceTime time.Duration
	// RawFidelity is the link fidelity immediately after a successful
	// handshake, before gate/measurement penalties.
	RawFidelity float64
	// ErrorWeights distributes the raw infidelity over the three non-target
	// Bell components. Must sum to 1.
	ErrorWeights [3]float64
	Encoding     Encoding
}

// AdaptiveSpec carries the per-node knobs of the adaptive controller.
type AdaptiveSpec struct {
	// MaxMemory bounds concurrent speculative generation; 0 disables it.
	MaxMemory int
	// UpdateProb is the probability a qualifying neighbor actually receives
	// the adaptation increment.
	UpdateProb float64
	// Strategy selects cache matching: "freshest" or "random". Validated by
	// the controller at setup.
	Strategy string
	// HasEmptyNeighbor seeds the probability table with an explicit idle
	// entry.
	HasEmptyNeighbor bool
	// Active turns the controller loop on.
	Active bool
}

// NodeSpec describes one router in the scenario.
type NodeSpec struct {
	Name     string
	Seed     int64
	Memories int
	Template MemoryTemplate
	Adaptive AdaptiveSpec
}

// QChannelSpec is a relay-mediated quantum channel between adjacent
// routers: each endpoint holds a fibre of Distance/2 to the relay.
type QChannelSpec struct {
	A, B  string
	Relay string
	// Distance is the total fibre length between the routers, in metres.
	Distance float64
	// AttenuationDBPerM scales photon survival over the fibre.
	AttenuationDBPerM float64
	// Resolution is the relay detectors' timing resolution; a herald counts
	// for a round only when its timestamp lands within half of it around the
	// expected arrival.
	Resolution time.Duration
}

// CChannelSpec is a classical channel with a fixed one-way delay.
type CChannelSpec struct {
	A, B  string
	Delay time.Duration
}

// Topology is the loaded static scenario: routers, channels, and the
// derived quantum adjacency used to seed probability tables and forwarding.
type Topology struct {
	Nodes     []NodeSpec
	QChannels []QChannelSpec
	CChannels []CChannelSpec

	byName    map[string]int
	adjacency map[string][]string
}

// internal JSON shapes - unexported so the on-disk format can evolve.
type topologyJSON struct {
	Templates map[string]memoryTemplateJSON `json:"templates"`
	Nodes     []nodeJSON                    `json:"nodes"`
	QChannels []qchannelJSON                `json:"qchannels"`
	CChannels []cchannelJSON                `json:"cchannels"`
}

type memoryTemplateJSON struct {
	FrequencyHz    *float64    `json:"frequency_hz"`
	Efficiency     *float64    `json:"efficiency"`
	CoherenceTimeS *float64    `json:"coherence_time_s"`
	RawFidelity    *float64    `json:"raw_fidelity"`
	ErrorWeights   *[3]float64 `json:"error_weights"`
	Encoding       string      `json:"encoding"`
}

type nodeJSON struct {
	Name     string `json:"name"`
	Seed     int64  `json:"seed"`
	Memories int    `json:"memories"`
	Template string `json:"template"`

	AdaptiveMaxMemory int      `json:"adaptive_max_memory"`
	UpdateProb        *float64 `json:"update_prob"`
	Strategy          string   `json:"strategy"`
	HasEmptyNeighbor  *bool    `json:"has_empty_neighbor"`
	Active            *bool    `json:"active"`
}

type qchannelJSON struct {
	A                 string   `json:"a"`
	B                 string   `json:"b"`
	Relay             string   `json:"relay"`
	DistanceM         float64  `json:"distance_m"`
	AttenuationDBPerM *float64 `json:"attenuation_db_per_m"`
	ResolutionNS      *float64 `json:"resolution_ns"`
}

type cchannelJSON struct {
	A       string  `json:"a"`
	B       string  `json:"b"`
	DelayMS float64 `json:"delay_ms"`
}

// LoadTopology reads a JSON scenario from r and returns the validated
// topology. Structural problems and unsupported enum values fail the load;
// missing numeric parameters fall back to defaults.
func LoadTopology(r io.Reader) (*Topology, error) {
	var payload topologyJSON
	dec := json.NewDecoder(r)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadTopology: decode failed: %w", err)
	}

	templates := make(map[string]MemoryTemplate, len(payload.Templates))
	for name, tj := range payload.Templates {
		tmpl, err := templateFromJSON(tj)
		if err != nil {
			return nil, fmt.Errorf("LoadTopology: template %q: %w", name, err)
		}
		templates[name] = tmpl
	}

	topo := &Topology{
		byName:    make(map[string]int),
		adjacency: make(map[string][]string),
	}

	for _, nj := range payload.Nodes {
		if nj.Name == "" {
			return nil, fmt.Errorf("LoadTopology: node with empty name")
		}
		if _, dup := topo.byName[nj.Name]; dup {
			return nil, fmt.Errorf("LoadTopology: duplicate node %q", nj.Name)
		}

		tmpl := defaultTemplate()
		if nj.Template != "" {
			var ok bool
			tmpl, ok = templates[nj.Template]
			if !ok {
				return nil, fmt.Errorf("LoadTopology: node %q references unknown template %q", nj.Name, nj.Template)
			}
		}

		spec := NodeSpec{
			Name:     nj.Name,
			Seed:     nj.Seed,
			Memories: nj.Memories,
			Template: tmpl,
			Adaptive: AdaptiveSpec{
				MaxMemory:        nj.AdaptiveMaxMemory,
				UpdateProb:       0.5,
				Strategy:         "freshest",
				HasEmptyNeighbor: true,
				Active:           true,
			},
		}
		if nj.UpdateProb != nil {
			spec.Adaptive.UpdateProb = *nj.UpdateProb
		}
		if nj.Strategy != "" {
			spec.Adaptive.Strategy = nj.Strategy
		}
		if nj.HasEmptyNeighbor != nil {
			spec.Adaptive.HasEmptyNeighbor = *nj.HasEmptyNeighbor
		}
		if nj.Active != nil {
			spec.Adaptive.Active = *nj.Active
		}

		topo.byName[spec.Name] = len(topo.Nodes)
		topo.Nodes = append(topo.Nodes, spec)
	}

	for _, qj := range payload.QChannels {
		if _, ok := topo.byName[qj.A]; !ok {
			return nil, fmt.Errorf("LoadTopology: qchannel references unknown node %q", qj.A)
		}
		if _, ok := topo.byName[qj.B]; !ok {
			return nil, fmt.Errorf("LoadTopology: qchannel references unknown node %q", qj.B)
		}
		spec := QChannelSpec{
			A:                 qj.A,
			B:                 qj.B,
			Relay:             qj.Relay,
			Distance:          qj.DistanceM,
			AttenuationDBPerM: defaultAttenuation,
			Resolution:        defaultResolution,
		}
		if qj.AttenuationDBPerM != nil {
			spec.AttenuationDBPerM = *qj.AttenuationDBPerM
		}
		if qj.ResolutionNS != nil {
			spec.Resolution = time.Duration(*qj.ResolutionNS * float64(time.Nanosecond))
		}
		if spec.Relay == "" {
			spec.Relay = RelayName(qj.A, qj.B)
		}
		topo.QChannels = append(topo.QChannels, spec)
		topo.adjacency[qj.A] = append(topo.adjacency[qj.A], qj.B)
		topo.adjacency[qj.B] = append(topo.adjacency[qj.B], qj.A)
	}

	for _, cj := range payload.CChannels {
		topo.CChannels = append(topo.CChannels, CChannelSpec{
			A:     cj.A,
			B:     cj.B,
			Delay: time.Duration(cj.DelayMS * float64(time.Millisecond)),
		})
	}

	for name := range topo.adjacency {
		sort.Strings(topo.adjacency[name])
	}

	return topo, nil
}

func templateFromJSON(tj memoryTemplateJSON) (MemoryTemplate, error) {
	tmpl := defaultTemplate()
	if tj.FrequencyHz != nil {
		tmpl.FrequencyHz = *tj.FrequencyHz
	}
	if tj.Efficiency != nil {
		tmpl.Efficiency = *tj.Efficiency
	}
	if tj.CoherenceTimeS != nil {
		tmpl.CoherenceTime = time.Duration(*tj.CoherenceTimeS * float64(time.Second))
	}
	if tj.RawFidelity != nil {
		tmpl.RawFidelity = *tj.RawFidelity
	}
	if tj.ErrorWeights != nil {
		tmpl.ErrorWeights = *tj.ErrorWeights
	}
	enc, err := EncodingFromString(tj.Encoding)
	if err != nil {
		return MemoryTemplate{}, err
	}
	tmpl.Encoding = enc
	return tmpl, nil
}

func defaultTemplate() MemoryTemplate {
	return MemoryTemplate{
		FrequencyHz:   defaultFrequencyHz,
		Efficiency:    defaultEfficiency,
		CoherenceTime: defaultCoherenceTime,
		RawFidelity:   defaultRawFidelity,
		ErrorWeights:  [3]float64{1, 0, 0},
		Encoding:      EncodingSingleHeralded,
	}
}

// RelayName derives the canonical relay node name for a router pair.
func RelayName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "relay." + a + "." + b
}

// Node returns the spec for the named router.
func (t *Topology) Node(name string) (NodeSpec, bool) {
	i, ok := t.byName[name]
	if !ok {
		return NodeSpec{}, false
	}
	return t.Nodes[i], true
}

// NeighborsOf returns the quantum-adjacent routers of name, sorted. The
// result seeds the adaptive controller's probability table.
func (t *Topology) NeighborsOf(name string) []string {
	adj := t.adjacency[name]
	out := make([]string, len(adj))
	copy(out, adj)
	return out
}

// QChannelBetween returns the quantum channel connecting a and b.
func (t *Topology) QChannelBetween(a, b string) (QChannelSpec, bool) {
	for _, qc := range t.QChannels {
		if (qc.A == a && qc.B == b) || (qc.A == b && qc.B == a) {
			return qc, true
		}
	}
	return QChannelSpec{}, false
}

// NextHops computes the static forwarding table for src: destination ->
// next hop over the quantum adjacency. Plain BFS with sorted neighbor
// iteration, so every run derives the same table.
func (t *Topology) NextHops(src string) map[string]string {
	next := make(map[string]string)
	visited := map[string]bool{src: true}
	queue := []string{src}
	first := make(map[string]string) // node -> first hop from src

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range t.adjacency[cur] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			if cur == src {
				first[nb] = nb
			} else {
				first[nb] = first[cur]
			}
			next[nb] = first[nb]
			queue = append(queue, nb)
		}
	}
	return next
}

// PathBetween returns the node sequence of the shortest path from src to
// dst, inclusive of both, or nil when unreachable.
func (t *Topology) PathBetween(src, dst string) []string {
	if src == dst {
		return []string{src}
	}
	prev := map[string]string{}
	visited := map[string]bool{src: true}
	queue := []string{src}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, nb := range t.adjacency[cur] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			prev[nb] = cur
			if nb == dst {
				path := []string{dst}
				for p := cur; ; p = prev[p] {
					path = append([]string{p}, path...)
					if p == src {
						return path
					}
				}
			}
			queue = append(queue, nb)
		}
	}
	return nil
}
