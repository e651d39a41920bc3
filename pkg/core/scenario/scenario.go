// Package scenario marshals sessions to and from a neutral YAML document.
// Load(Save(s)) reproduces the data model up to session-id renumbering.
package scenario

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/corenet-emu/corenet/pkg/util"
)

// Document is the root of a scenario file.
type Document struct {
	Session  SessionDoc        `yaml:"session"`
	Canvas   CanvasDoc         `yaml:"canvas"`
	Nodes    []NodeDoc         `yaml:"nodes"`
	Links    []LinkDoc         `yaml:"links,omitempty"`
	Hooks    []HookDoc         `yaml:"hooks,omitempty"`
	Configs  []ConfigDoc       `yaml:"configs,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`

	// Mobility carries legacy per-node range blocks; Load upgrades them
	// into range-model Configs entries and clears this field.
	Mobility []LegacyRangeDoc `yaml:"mobility,omitempty"`
}

// SessionDoc holds session identity and options.
type SessionDoc struct {
	ID      int               `yaml:"id"`
	Name    string            `yaml:"name,omitempty"`
	User    string            `yaml:"user,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// CanvasDoc holds the geographic reference point and scale.
type CanvasDoc struct {
	RefX  float64 `yaml:"ref_x"`
	RefY  float64 `yaml:"ref_y"`
	Lat   float64 `yaml:"lat"`
	Lon   float64 `yaml:"lon"`
	Alt   float64 `yaml:"alt"`
	Scale float64 `yaml:"scale"` // meters per 100 pixels
}

// NodeDoc is one node with its interfaces.
type NodeDoc struct {
	ID       int        `yaml:"id"`
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type"`
	Model    string     `yaml:"model,omitempty"`
	X        float64    `yaml:"x"`
	Y        float64    `yaml:"y"`
	Z        float64    `yaml:"z,omitempty"`
	Canvas   int        `yaml:"canvas,omitempty"`
	Server   string     `yaml:"server,omitempty"`   // distributed peer name
	HostDev  string     `yaml:"host_dev,omitempty"` // rj45 host interface
	Services []string   `yaml:"services,omitempty"`
	Ifaces   []IfaceDoc `yaml:"interfaces,omitempty"`
}

// IfaceDoc is one interface's addressing.
type IfaceDoc struct {
	ID   int      `yaml:"id"`
	Name string   `yaml:"name"`
	MAC  string   `yaml:"mac,omitempty"`
	IPv4 []string `yaml:"ipv4,omitempty"`
	IPv6 []string `yaml:"ipv6,omitempty"`
	MTU  int      `yaml:"mtu,omitempty"`
	Net  int      `yaml:"net,omitempty"` // link-layer network node id
}

// OptionsDoc is one direction's link options.
type OptionsDoc struct {
	Bandwidth uint64  `yaml:"bandwidth,omitempty"` // bps
	Delay     uint64  `yaml:"delay,omitempty"`     // microseconds
	Jitter    uint64  `yaml:"jitter,omitempty"`    // microseconds
	Loss      float64 `yaml:"loss,omitempty"`      // percent
	Duplicate float64 `yaml:"duplicate,omitempty"` // percent
	Burst     uint32  `yaml:"burst,omitempty"`     // bytes
	Buffer    uint32  `yaml:"buffer,omitempty"`    // packets

	// BER carries a legacy "1 in N" bit-error figure; Load rewrites it
	// into Loss and clears it.
	BER uint64 `yaml:"ber,omitempty"`
}

// LinkDoc is one wired link or cloud attachment. Iface id -1 marks the
// bridge side of an attachment to a link-layer node.
type LinkDoc struct {
	Node1   int         `yaml:"node1"`
	Iface1  int         `yaml:"iface1"`
	Node2   int         `yaml:"node2"`
	Iface2  int         `yaml:"iface2"`
	Type    string      `yaml:"type"` // "wired" or "wireless"
	Key     uint32      `yaml:"key,omitempty"`
	Options *OptionsDoc `yaml:"options,omitempty"`
	// Reverse holds the second direction of a unidirectional link.
	Reverse *OptionsDoc `yaml:"reverse,omitempty"`
}

// HookDoc is one state hook.
type HookDoc struct {
	State string `yaml:"state"`
	Name  string `yaml:"name"`
	Body  string `yaml:"body"`
}

// ConfigDoc is one configuration value.
type ConfigDoc struct {
	Scope   string `yaml:"scope"` // "session", "node", "interface"
	Node    int    `yaml:"node,omitempty"`
	Iface   int    `yaml:"iface,omitempty"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
	Value   string `yaml:"value"`
	Type    int    `yaml:"type,omitempty"` // config option type enum
}

// LegacyRangeDoc is the pre-range-model mobility block.
type LegacyRangeDoc struct {
	Node      int     `yaml:"node"`
	Range     float64 `yaml:"range"`
	Bandwidth uint64  `yaml:"bandwidth,omitempty"`
	Delay     uint64  `yaml:"delay,omitempty"`
	Jitter    uint64  `yaml:"jitter,omitempty"`
	Loss      float64 `yaml:"loss,omitempty"`
}

// Save marshals a document.
func Save(doc *Document) ([]byte, error) {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("scenario: marshal: %w", err)
	}
	return data, nil
}

// Load parses and validates a document, upgrading legacy range blocks into
// range-model configuration entries.
func Load(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("scenario: parse: %w", err)
	}
	upgradeLegacyRange(&doc)
	upgradeLegacyBER(&doc)
	if err := validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// upgradeLegacyBER rewrites "1 in N" bit-error figures as loss
// percentages; zero means no loss.
func upgradeLegacyBER(doc *Document) {
	convert := func(o *OptionsDoc) {
		if o == nil || o.BER == 0 {
			return
		}
		if o.Loss == 0 {
			o.Loss = 100.0 / float64(o.BER)
		}
		o.BER = 0
	}
	for i := range doc.Links {
		convert(doc.Links[i].Options)
		convert(doc.Links[i].Reverse)
	}
}

// upgradeLegacyRange rewrites legacy mobility range blocks as wlan
// range-model config entries, the single canonical representation.
func upgradeLegacyRange(doc *Document) {
	for _, lr := range doc.Mobility {
		entries := []struct {
			name  string
			value string
		}{
			{"range", fmt.Sprintf("%g", lr.Range)},
			{"bandwidth", fmt.Sprintf("%d", lr.Bandwidth)},
			{"delay", fmt.Sprintf("%d", lr.Delay)},
			{"jitter", fmt.Sprintf("%d", lr.Jitter)},
			{"loss", fmt.Sprintf("%g", lr.Loss)},
		}
		for _, e := range entries {
			doc.Configs = append(doc.Configs, ConfigDoc{
				Scope:   "node",
				Node:    lr.Node,
				Subject: "wlan",
				Name:    e.name,
				Value:   e.value,
			})
		}
	}
	doc.Mobility = nil
}

// validate checks document-level invariants: unique ids, resolvable link
// endpoints, well-formed addresses.
func validate(doc *Document) error {
	var v util.ValidationBuilder

	nodes := make(map[int]*NodeDoc, len(doc.Nodes))
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		if n.ID <= 0 {
			v.AddErrorf("node %q has non-positive id %d", n.Name, n.ID)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			v.AddErrorf("duplicate node id %d", n.ID)
			continue
		}
		nodes[n.ID] = n

		seen := make(map[int]bool, len(n.Ifaces))
		for _, ifc := range n.Ifaces {
			if seen[ifc.ID] {
				v.AddErrorf("node %d duplicate interface id %d", n.ID, ifc.ID)
			}
			seen[ifc.ID] = true
			if ifc.MAC != "" {
				if _, err := util.ValidateMAC(ifc.MAC); err != nil {
					v.AddErrorf("node %d interface %d: %v", n.ID, ifc.ID, err)
				}
			}
			for _, cidr := range append(append([]string{}, ifc.IPv4...), ifc.IPv6...) {
				if _, _, err := util.ParseIPWithMask(cidr); err != nil {
					v.AddErrorf("node %d interface %d: %v", n.ID, ifc.ID, err)
				}
			}
		}
	}

	for i, l := range doc.Links {
		if _, ok := nodes[l.Node1]; !ok {
			v.AddErrorf("link %d references unknown node %d", i, l.Node1)
		}
		if _, ok := nodes[l.Node2]; !ok {
			v.AddErrorf("link %d references unknown node %d", i, l.Node2)
		}
		if l.Type != "wired" && l.Type != "wireless" {
			v.AddErrorf("link %d has unknown type %q", i, l.Type)
		}
	}

	return v.Build()
}
