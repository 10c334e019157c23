// Package xmlfrag extracts the three metadata fragments the engine
// exposes from a raw update XML blob: the core applicability-essential
// fragment returned in every UpdateInfo, the extended fragment (file
// locations, handler-specific data), and localized per-language
// properties with fallback to "en" (spec.md §4.3).
//
// No XML/XPath library appears anywhere in the example corpus (checked
// every go.mod in the retrieval pack), so this package is deliberately
// stdlib-only: encoding/xml decode into a generic node tree, then a
// small structural filter picks the elements each fragment needs.
package xmlfrag

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

// node is a generic XML element used to walk metadata blobs whose exact
// schema is not modeled by this core (the real WSUS metadata schema is
// out of scope; the core only needs to partition elements by name).
type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Content  []byte     `xml:",innerxml"`
	Children []node     `xml:",any"`
}

// coreElementNames are the elements that make up the "core" fragment:
// identity and applicability essentials.
var coreElementNames = map[string]bool{
	"UpdateIdentity":   true,
	"Prerequisites":    true,
	"ApplicabilityRules": true,
	"Properties":       true,
}

// extendedElementNames are the elements that make up the "extended"
// fragment: file locations and handler-specific data.
var extendedElementNames = map[string]bool{
	"FileLocations": true,
	"HandlerSpecificData": true,
	"InstallableItems": true,
}

// localizedElementName is the element holding per-language properties.
const localizedElementName = "LocalizedPropertiesCollection"

// Core extracts the identity/applicability-essential fragment from a raw
// metadata XML blob, returned inside every UpdateInfo (spec.md §4.3).
func Core(raw []byte) ([]byte, error) {
	return filterFragment(raw, coreElementNames)
}

// Extended extracts the file-location/handler-specific-data fragment.
func Extended(raw []byte) ([]byte, error) {
	return filterFragment(raw, extendedElementNames)
}

// LocalizedProperties extracts per-language title/description, falling
// back to "en" when none of the requested locales are present.
func LocalizedProperties(raw []byte, locales []string) ([]byte, error) {
	root, err := parse(raw)
	if err != nil {
		return nil, err
	}

	var collection *node
	for i := range root.Children {
		if root.Children[i].XMLName.Local == localizedElementName {
			collection = &root.Children[i]
			break
		}
	}
	if collection == nil {
		return []byte{}, nil
	}

	wanted := append(append([]string{}, locales...), "en")
	for _, locale := range wanted {
		for _, child := range collection.Children {
			if attrEquals(child, "Language", locale) {
				return child.Content, nil
			}
		}
	}
	// No requested locale and no "en" fallback present: return empty
	// rather than erroring, since localized properties are advisory.
	return []byte{}, nil
}

func attrEquals(n node, key, want string) bool {
	for _, a := range n.Attrs {
		if a.Name.Local == key && a.Value == want {
			return true
		}
	}
	return false
}

func filterFragment(raw []byte, names map[string]bool) ([]byte, error) {
	root, err := parse(raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	for _, child := range root.Children {
		if names[child.XMLName.Local] {
			fmt.Fprintf(&buf, "<%s", child.XMLName.Local)
			for _, a := range child.Attrs {
				fmt.Fprintf(&buf, " %s=%q", a.Name.Local, a.Value)
			}
			buf.WriteByte('>')
			buf.Write(child.Content)
			fmt.Fprintf(&buf, "</%s>", child.XMLName.Local)
		}
	}
	return buf.Bytes(), nil
}

func parse(raw []byte) (node, error) {
	var root node
	dec := xml.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&root); err != nil {
		return node{}, fmt.Errorf("decode metadata xml: %w", err)
	}
	return root, nil
}
