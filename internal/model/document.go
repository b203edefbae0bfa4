package model

// Document is the canonical parsed form of an upstream proxy configuration.
//
// Proxies and ProxyGroups stay opaque key-value maps on purpose: protocol
// fields vary per node type and must be re-emitted verbatim. Rules are plain
// policy-route lines whose semantics belong to the downstream client.
type Document struct {
	Proxies     []map[string]any
	ProxyGroups []map[string]any
	Rules       []string

	// Extra holds every other top-level key from the source document. Unknown
	// upstream keys must survive a merge round trip untouched.
	Extra map[string]any
}

// NewDocument returns an empty document with all three primary lists present.
func NewDocument() *Document {
	return &Document{
		Proxies:     []map[string]any{},
		ProxyGroups: []map[string]any{},
		Rules:       []string{},
		Extra:       map[string]any{},
	}
}
