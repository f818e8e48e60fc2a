// Package filter implements the LDAP-style subscription filter grammar: parsing
// a prefix, parenthesised filter expression and evaluating it against a
// property set.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"pathfinder/internal/props"
)

// ErrSyntax is wrapped by every parse failure so callers can classify it with
// errors.Is without inspecting the message text.
var ErrSyntax = errors.New("invalid filter syntax")

const escapable = "!&*()<=>\\|"

// Kind enumerates the node types of a parsed filter tree.
type Kind int

const (
	KindAnd Kind = iota
	KindOr
	KindNot
	KindEqual
	KindLess
	KindGreater
	KindPresence
	KindSubstring
)

// Node is one node of a parsed filter expression tree.
type Node struct {
	Kind     Kind
	Key      string
	Value    string
	Children []*Node

	// Substring-only fields: Initial/Final may be empty meaning "no anchor",
	// Chunks holds the `*`-separated interior pieces in order.
	Initial string
	Chunks  []string
	Final   string
}

// Parse parses a filter string of the form "(...)" and returns its root node.
// A nil Node with a nil error represents "no filter" (match everything) and
// is never returned by Parse itself -- callers that accept an optional filter
// should treat an empty input string as that case before calling Parse.
func Parse(raw string) (*Node, error) {
	p := &parser{input: raw}
	node, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("%w: trailing data at offset %d", ErrSyntax, p.pos)
	}
	return node, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	// Spaces are only insignificant between tokens, never inside a value;
	// the grammar has no unquoted whitespace outside of value literals that
	// isn't adjacent to a structural character, so this only trims leading
	// space before a filter/filterlist.
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *parser) expect(c byte) error {
	b, ok := p.peek()
	if !ok || b != c {
		return fmt.Errorf("%w: expected %q at offset %d", ErrSyntax, c, p.pos)
	}
	p.pos++
	return nil
}

// parseFilter parses "( <node-body> )".
func (p *parser) parseFilter() (*Node, error) {
	p.skipSpace()
	if err := p.expect('('); err != nil {
		return nil, err
	}
	p.skipSpace()
	b, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("%w: unexpected end of input", ErrSyntax)
	}
	var node *Node
	var err error
	switch b {
	case '&':
		p.pos++
		node, err = p.parseFilterList(KindAnd)
	case '|':
		p.pos++
		node, err = p.parseFilterList(KindOr)
	case '!':
		p.pos++
		node, err = p.parseNot()
	default:
		node, err = p.parseSimple()
	}
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *parser) parseFilterList(kind Kind) (*Node, error) {
	node := &Node{Kind: kind}
	for {
		p.skipSpace()
		if b, ok := p.peek(); !ok || b != '(' {
			break
		}
		child, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	if len(node.Children) == 0 {
		return nil, fmt.Errorf("%w: %q requires at least one operand", ErrSyntax, kindLabel(kind))
	}
	return node, nil
}

func (p *parser) parseNot() (*Node, error) {
	child, err := p.parseFilter()
	if err != nil {
		return nil, err
	}
	return &Node{Kind: KindNot, Children: []*Node{child}}, nil
}

// parseSimple parses "key op value" where op is one of = < > and value may
// be a presence "*", a substring pattern, or a literal.
func (p *parser) parseSimple() (*Node, error) {
	key, err := p.parseToken(true)
	if err != nil {
		return nil, err
	}
	op, ok := p.peek()
	if !ok || (op != '=' && op != '<' && op != '>') {
		return nil, fmt.Errorf("%w: expected comparison operator after key %q", ErrSyntax, key)
	}
	p.pos++
	value, err := p.parseToken(false)
	if err != nil {
		return nil, err
	}
	if op != '=' {
		kind := KindLess
		if op == '>' {
			kind = KindGreater
		}
		return &Node{Kind: kind, Key: key, Value: value}, nil
	}
	return p.buildEqualNode(key, value)
}

// buildEqualNode classifies an already-unescaped "=" value as presence,
// substring, or plain equality based on the literal `*` markers recorded
// during tokenisation.
func (p *parser) buildEqualNode(key, rawValue string) (*Node, error) {
	if rawValue == "\x00*" {
		return &Node{Kind: KindPresence, Key: key}, nil
	}
	if !strings.Contains(rawValue, "\x00*") {
		return &Node{Kind: KindEqual, Key: key, Value: unmarker(rawValue)}, nil
	}
	parts := strings.Split(rawValue, "\x00*")
	node := &Node{Kind: KindSubstring, Key: key}
	node.Initial = unmarker(parts[0])
	node.Final = unmarker(parts[len(parts)-1])
	if len(parts) > 2 {
		node.Chunks = make([]string, 0, len(parts)-2)
		for _, c := range parts[1 : len(parts)-1] {
			node.Chunks = append(node.Chunks, unmarker(c))
		}
	}
	return node, nil
}

// parseToken reads an escaped value literal up to the next unescaped
// structural character. When isKey is true, only `=`, `<`, `>` terminate the
// token; otherwise an unescaped `*` is kept, marked with a sentinel byte so
// the caller can tell wildcards apart from escaped `\*` literals, and only
// `)` terminates it.
func (p *parser) parseToken(isKey bool) (string, error) {
	var b strings.Builder
	for {
		c, ok := p.peek()
		if !ok {
			return "", fmt.Errorf("%w: unexpected end of input in token", ErrSyntax)
		}
		if c == '\\' {
			p.pos++
			esc, ok := p.peek()
			if !ok || !strings.ContainsRune(escapable, rune(esc)) {
				return "", fmt.Errorf("%w: invalid escape at offset %d", ErrSyntax, p.pos)
			}
			b.WriteByte(esc)
			p.pos++
			continue
		}
		if isKey {
			if c == '=' || c == '<' || c == '>' {
				break
			}
		} else {
			if c == ')' {
				break
			}
			if c == '*' {
				b.WriteByte(0)
				b.WriteByte('*')
				p.pos++
				continue
			}
		}
		b.WriteByte(c)
		p.pos++
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty token", ErrSyntax)
	}
	return b.String(), nil
}

func unmarker(s string) string {
	return strings.ReplaceAll(s, "\x00*", "*")
}

func kindLabel(k Kind) string {
	switch k {
	case KindAnd:
		return "&"
	case KindOr:
		return "|"
	default:
		return "?"
	}
}

// Match reports whether the given property set satisfies the filter rooted
// at n. A nil Node matches every property set (the "no filter" case).
func Match(n *Node, p props.Map) bool {
	if n == nil {
		return true
	}
	switch n.Kind {
	case KindAnd:
		for _, c := range n.Children {
			if !Match(c, p) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range n.Children {
			if Match(c, p) {
				return true
			}
		}
		return false
	case KindNot:
		return !Match(n.Children[0], p)
	case KindPresence:
		return p.Has(n.Key)
	case KindEqual:
		return matchScalar(p, n.Key, n.Value, func(a, b props.Value) bool { return a.Equal(b) })
	case KindLess:
		return matchOrdered(p, n.Key, n.Value, func(a, b int64) bool { return a < b })
	case KindGreater:
		return matchOrdered(p, n.Key, n.Value, func(a, b int64) bool { return a > b })
	case KindSubstring:
		return matchSubstring(p, n)
	default:
		return false
	}
}

func matchScalar(p props.Map, key, literal string, cmp func(a, b props.Value) bool) bool {
	want := props.ParseValue(literal)
	for _, v := range p.Values(key) {
		if v.Kind() == want.Kind() && cmp(v, want) {
			return true
		}
	}
	return false
}

func matchOrdered(p props.Map, key, literal string, cmp func(a, b int64) bool) bool {
	want, ok := props.ParseValue(literal).Int()
	if !ok {
		return false
	}
	for _, v := range p.Values(key) {
		got, ok := v.Int()
		if !ok {
			continue
		}
		if cmp(got, want) {
			return true
		}
	}
	return false
}

func matchSubstring(p props.Map, n *Node) bool {
	for _, v := range p.Values(n.Key) {
		s, ok := v.String()
		if !ok {
			continue
		}
		if substringMatch(s, n.Initial, n.Chunks, n.Final) {
			return true
		}
	}
	return false
}

func substringMatch(s, initial string, chunks []string, final string) bool {
	if initial != "" {
		if !strings.HasPrefix(s, initial) {
			return false
		}
		s = s[len(initial):]
	}
	if final != "" {
		if !strings.HasSuffix(s, final) {
			return false
		}
		s = s[:len(s)-len(final)]
	}
	for _, chunk := range chunks {
		idx := strings.Index(s, chunk)
		if idx < 0 {
			return false
		}
		s = s[idx+len(chunk):]
	}
	return true
}
