package world

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GraphML as written by the OSM export: node attributes x (longitude)
// and y (latitude), edge attribute length (meters). Attribute columns
// are declared in <key> elements and referenced by id from <data>.

type graphmlDoc struct {
	XMLName xml.Name     `xml:"graphml"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

type graphmlKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
}

type graphmlGraph struct {
	Nodes []graphmlNode `xml:"node"`
	Edges []graphmlEdge `xml:"edge"`
}

type graphmlNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

// ErrNoGraphNodes is returned when the GraphML file declares no nodes.
var ErrNoGraphNodes = errors.New("world: graphml has no nodes")

// ParseGraphML reads a road graph file into node and edge lists.
// Missing or non-numeric edge lengths are left at zero; the RoadWorld
// constructor substitutes the haversine distance for those.
func ParseGraphML(path string) ([]Node, []Edge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var doc graphmlDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse graphml: %w", err)
	}
	if len(doc.Graph.Nodes) == 0 {
		return nil, nil, ErrNoGraphNodes
	}

	var xKey, yKey, lengthKey string
	for _, k := range doc.Keys {
		switch {
		case k.For == "node" && k.AttrName == "x":
			xKey = k.ID
		case k.For == "node" && k.AttrName == "y":
			yKey = k.ID
		case k.For == "edge" && k.AttrName == "length":
			lengthKey = k.ID
		}
	}
	if xKey == "" || yKey == "" {
		return nil, nil, errors.New("parse graphml: missing x/y node attribute keys")
	}

	nodes := make([]Node, 0, len(doc.Graph.Nodes))
	for _, n := range doc.Graph.Nodes {
		lon, lonOK := dataFloat(n.Data, xKey)
		lat, latOK := dataFloat(n.Data, yKey)
		if !lonOK || !latOK {
			return nil, nil, fmt.Errorf("parse graphml: node %s missing x/y", n.ID)
		}
		nodes = append(nodes, Node{ID: n.ID, Lat: lat, Lon: lon})
	}

	edges := make([]Edge, 0, len(doc.Graph.Edges))
	for _, e := range doc.Graph.Edges {
		length, _ := dataFloat(e.Data, lengthKey)
		edges = append(edges, Edge{From: e.Source, To: e.Target, LengthM: length})
	}

	return nodes, edges, nil
}

func dataFloat(data []graphmlData, key string) (float64, bool) {
	if key == "" {
		return 0, false
	}
	for _, d := range data {
		if d.Key != key {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(d.Value), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// NormalizeNodeID canonicalizes integer-valued string IDs ("0042" and
// "42" name the same OSM node) and leaves everything else untouched.
func NormalizeNodeID(id string) string {
	s := strings.TrimSpace(id)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return s
}
