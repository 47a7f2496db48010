// Command topogen emits a ready-to-run topology JSON document for the
// standard scenario shapes: line, ring, grid, and bottleneck.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/signalsfoundry/qlink-simulator/core"
)

// document mirrors the scenario file format the simulator loads.
type document struct {
	Templates map[string]templateDoc `json:"templates"`
	Nodes     []nodeDoc              `json:"nodes"`
	QChannels []qchannelDoc          `json:"qchannels"`
}

type templateDoc struct {
	FrequencyHz    float64 `json:"frequency_hz"`
	Efficiency     float64 `json:"efficiency"`
	CoherenceTimeS float64 `json:"coherence_time_s"`
	RawFidelity    float64 `json:"raw_fidelity"`
	Encoding       string  `json:"encoding"`
}

type nodeDoc struct {
	Name              string `json:"name"`
	Seed              int64  `json:"seed"`
	Memories          int    `json:"memories"`
	Template          string `json:"template"`
	AdaptiveMaxMemory int    `json:"adaptive_max_memory,omitempty"`
}

type qchannelDoc struct {
	A                 string  `json:"a"`
	B                 string  `json:"b"`
	Relay             string  `json:"relay"`
	DistanceM         float64 `json:"distance_m"`
	AttenuationDBPerM float64 `json:"attenuation_db_per_m"`
}

type params struct {
	memories    int
	adaptive    int
	distance    float64
	attenuation float64
	frequency   float64
	efficiency  float64
	coherence   float64
	fidelity    float64
	encoding    string
}

func main() {
	shape := flag.String("shape", "line", "topology shape: line, ring, grid, or bottleneck")
	nodes := flag.Int("nodes", 5, "router count for line and ring, leaves per side for bottleneck")
	rows := flag.Int("rows", 3, "grid rows")
	cols := flag.Int("cols", 3, "grid columns")
	distance := flag.Float64("distance", 2000, "fibre length per channel in metres")
	attenuation := flag.Float64("attenuation", 0.0002, "fibre attenuation in dB per metre")
	frequency := flag.Float64("frequency", 2000, "memory excitation frequency in Hz")
	efficiency := flag.Float64("efficiency", 0.75, "photon emission efficiency")
	coherence := flag.Float64("coherence", 2, "memory coherence time in seconds")
	fidelity := flag.Float64("fidelity", 0.85, "raw fidelity after a successful handshake")
	encoding := flag.String("encoding", "single_heralded", "handshake encoding: single_heralded or barrett_kok")
	memories := flag.Int("memories", 4, "memory slots per router")
	adaptive := flag.Int("adaptive", 1, "speculative memory quota per router; 0 leaves the controllers dormant")
	out := flag.String("out", "", "output path; defaults to stdout")
	flag.Parse()

	if _, err := core.EncodingFromString(*encoding); err != nil {
		fatal(err)
	}

	var (
		names []string
		edges [][2]string
		err   error
	)
	switch *shape {
	case "line":
		names, edges, err = lineShape(*nodes)
	case "ring":
		names, edges, err = ringShape(*nodes)
	case "grid":
		names, edges, err = gridShape(*rows, *cols)
	case "bottleneck":
		names, edges, err = bottleneckShape(*nodes)
	default:
		err = fmt.Errorf("unknown shape %q", *shape)
	}
	if err != nil {
		fatal(err)
	}

	doc := assemble(names, edges, params{
		memories:    *memories,
		adaptive:    *adaptive,
		distance:    *distance,
		attenuation: *attenuation,
		frequency:   *frequency,
		efficiency:  *efficiency,
		coherence:   *coherence,
		fidelity:    *fidelity,
		encoding:    *encoding,
	})
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fatal(err)
	}
	payload = append(payload, '\n')

	// The loader is the authority on the format; reject anything it would.
	if _, err := core.LoadTopology(bytes.NewReader(payload)); err != nil {
		fatal(fmt.Errorf("generated topology failed validation: %w", err))
	}

	if *out == "" {
		os.Stdout.Write(payload)
		return
	}
	if err := os.WriteFile(*out, payload, 0o644); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "topogen:", err)
	os.Exit(1)
}

func lineShape(n int) ([]string, [][2]string, error) {
	if n < 2 {
		return nil, nil, fmt.Errorf("a line needs at least 2 routers, got %d", n)
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("n%d", i+1)
	}
	edges := make([][2]string, 0, n-1)
	for i := 0; i < n-1; i++ {
		edges = append(edges, [2]string{names[i], names[i+1]})
	}
	return names, edges, nil
}

func ringShape(n int) ([]string, [][2]string, error) {
	if n < 3 {
		return nil, nil, fmt.Errorf("a ring needs at least 3 routers, got %d", n)
	}
	names, edges, err := lineShape(n)
	if err != nil {
		return nil, nil, err
	}
	return names, append(edges, [2]string{names[n-1], names[0]}), nil
}

func gridShape(rows, cols int) ([]string, [][2]string, error) {
	if rows < 1 || cols < 1 || rows*cols < 2 {
		return nil, nil, fmt.Errorf("a grid needs at least 2 routers, got %dx%d", rows, cols)
	}
	at := func(r, c int) string { return fmt.Sprintf("n%dx%d", r+1, c+1) }
	var names []string
	var edges [][2]string
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			names = append(names, at(r, c))
			if c+1 < cols {
				edges = append(edges, [2]string{at(r, c), at(r, c+1)})
			}
			if r+1 < rows {
				edges = append(edges, [2]string{at(r, c), at(r+1, c)})
			}
		}
	}
	return names, edges, nil
}

// bottleneckShape builds a dumbbell: leaves fan into a hub on each side,
// and a single channel joins the hubs.
func bottleneckShape(leaves int) ([]string, [][2]string, error) {
	if leaves < 1 {
		return nil, nil, fmt.Errorf("a bottleneck needs at least 1 leaf per side, got %d", leaves)
	}
	var names []string
	var edges [][2]string
	for i := 1; i <= leaves; i++ {
		name := fmt.Sprintf("l%d", i)
		names = append(names, name)
		edges = append(edges, [2]string{name, "h1"})
	}
	names = append(names, "h1", "h2")
	edges = append(edges, [2]string{"h1", "h2"})
	for i := 1; i <= leaves; i++ {
		name := fmt.Sprintf("r%d", i)
		names = append(names, name)
		edges = append(edges, [2]string{"h2", name})
	}
	return names, edges, nil
}

func assemble(names []string, edges [][2]string, p params) document {
	doc := document{
		Templates: map[string]templateDoc{
			"default": {
				FrequencyHz:    p.frequency,
				Efficiency:     p.efficiency,
				CoherenceTimeS: p.coherence,
				RawFidelity:    p.fidelity,
				Encoding:       p.encoding,
			},
		},
	}
	for i, name := range names {
		doc.Nodes = append(doc.Nodes, nodeDoc{
			Name:              name,
			Seed:              int64(i + 1),
			Memories:          p.memories,
			Template:          "default",
			AdaptiveMaxMemory: p.adaptive,
		})
	}
	for i, e := range edges {
		doc.QChannels = append(doc.QChannels, qchannelDoc{
			A:                 e[0],
			B:                 e[1],
			Relay:             fmt.Sprintf("m%d", i+1),
			DistanceM:         p.distance,
			AttenuationDBPerM: p.attenuation,
		})
	}
	return doc
}
