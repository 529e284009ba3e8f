package ingest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrUnsafeXML is returned when the document carries a DOCTYPE
	// directive. Entity expansion is the classic XML amplification
	// vector, so any inline DTD is rejected outright.
	ErrUnsafeXML = errors.New("unsafe xml: doctype directives are not allowed")

	// ErrNoShapeMatched is returned when no known schema shape locates
	// an item collection in the parsed document.
	ErrNoShapeMatched = errors.New("no recognized schema shape in document")
)

// node is a minimal parsed XML element: name, concatenated character
// data, and child elements. Attributes and processing instructions are
// dropped during decoding.
type node struct {
	name     string
	text     strings.Builder
	children []*node
}

// childrenNamed returns all direct children whose local name matches,
// case-insensitively.
func (n *node) childrenNamed(name string) []*node {
	var out []*node
	for _, c := range n.children {
		if strings.EqualFold(c.name, name) {
			out = append(out, c)
		}
	}
	return out
}

// parseDocument decodes the full document into an element tree using a
// token-level decoder in strict mode with an empty entity map, so the
// only entities honored are the five XML built-ins.
func parseDocument(r io.Reader) (*node, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.Entity = map[string]string{}

	root := &node{name: ""}
	stack := []*node{root}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			child := &node{name: t.Name.Local}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, child)
			stack = append(stack, child)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		case xml.Directive:
			if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(string(t))), "DOCTYPE") {
				return nil, ErrUnsafeXML
			}
		case xml.ProcInst, xml.Comment:
			// ignored
		}
	}

	if len(stack) != 1 {
		return nil, errors.New("malformed xml: unbalanced elements")
	}
	if len(root.children) == 0 {
		return nil, errors.New("malformed xml: empty document")
	}
	return root, nil
}

// rawItem is one record's field map, keyed by upper-cased element name.
type rawItem map[string]string

// field returns the first non-empty value among the given element name
// aliases.
func (r rawItem) field(names ...string) string {
	for _, n := range names {
		if v, ok := r[strings.ToUpper(n)]; ok && v != "" {
			return v
		}
	}
	return ""
}

func recordFrom(n *node) rawItem {
	item := make(rawItem, len(n.children))
	for _, c := range n.children {
		v := strings.TrimSpace(c.text.String())
		if v == "" {
			continue
		}
		item[strings.ToUpper(c.name)] = v
	}
	return item
}

func recordsFrom(nodes []*node) []rawItem {
	items := make([]rawItem, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, recordFrom(n))
	}
	return items
}

// shapeMatcher locates the item collection for one known schema
// revision. Matchers report ok=false when the document does not carry
// their shape; an empty collection under the right envelope is a match.
type shapeMatcher struct {
	name  string
	match func(doc *node) ([]rawItem, bool)
}

// shapeMatchers is the ordered list of known schema shapes, newest
// first. First match wins.
var shapeMatchers = []shapeMatcher{
	{name: "mbs_xml/data", match: matchEnvelopeData("MBS_XML")},
	{name: "mbs/data", match: matchEnvelopeData("MBS")},
	{name: "bare data rows", match: matchBareData},
	{name: "generic item elements", match: matchGenericItems},
}

// matchEnvelopeData matches <Envelope><Data>...</Data>...</Envelope>
// documents for the given envelope element name.
func matchEnvelopeData(envelope string) func(doc *node) ([]rawItem, bool) {
	return func(doc *node) ([]rawItem, bool) {
		roots := doc.childrenNamed(envelope)
		if len(roots) == 0 {
			return nil, false
		}
		return recordsFrom(roots[0].childrenNamed("Data")), true
	}
}

// matchBareData matches documents whose root element directly contains
// Data rows, whatever the root is called.
func matchBareData(doc *node) ([]rawItem, bool) {
	if len(doc.children) == 0 {
		return nil, false
	}
	rows := doc.children[0].childrenNamed("Data")
	if len(rows) == 0 {
		return nil, false
	}
	return recordsFrom(rows), true
}

// matchGenericItems matches documents whose root element directly
// contains Item rows.
func matchGenericItems(doc *node) ([]rawItem, bool) {
	if len(doc.children) == 0 {
		return nil, false
	}
	rows := doc.children[0].childrenNamed("Item")
	if len(rows) == 0 {
		return nil, false
	}
	return recordsFrom(rows), true
}

// extractItems runs the shape matchers in order and returns the first
// match's records along with the shape name for logging.
func extractItems(doc *node) ([]rawItem, string, error) {
	for _, m := range shapeMatchers {
		if items, ok := m.match(doc); ok {
			return items, m.name, nil
		}
	}
	return nil, "", ErrNoShapeMatched
}
