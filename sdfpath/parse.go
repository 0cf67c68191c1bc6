package sdfpath

import "strings"

// Parse converts text into a Path. The empty string parses to the empty path.
//
// Accepted forms include "/", ".", "/A/B", "A/B", "../A", "/A.size",
// "/A.xformOp:translate", "/A{shading=red}", "/A{shading=red}B/C" and
// "/A.rel[/B]".
func Parse(text string) (Path, error) {
	if text == "" {
		return Path{}, nil
	}
	p := &parser{text: text}
	return p.parse()
}

// MustParse is like Parse but panics on malformed input. It is intended for
// constants and tests.
func MustParse(text string) Path {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

type parser struct {
	text string
	pos  int
}

func (p *parser) parse() (Path, error) {
	var cur Path
	if p.text[0] == '/' {
		cur = absoluteRoot
		p.pos = 1
		if len(p.text) == 1 {
			return cur, nil
		}
	} else {
		cur = relativeRoot
		if p.text == "." {
			return cur, nil
		}
		if strings.HasPrefix(p.text, "./") {
			p.pos = 2
		}
	}

	// expectPrim is true right after "/" or at the start, where only a prim
	// name (or ".." in relative paths) may follow.
	expectPrim := true
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		switch {
		case expectPrim && strings.HasPrefix(p.text[p.pos:], "..") && p.parentAllowed(cur):
			p.pos += 2
			cur = appendElem(cur, kindParent, "", "", Path{})
			if p.pos == len(p.text) {
				return cur, nil
			}
			switch p.text[p.pos] {
			case '/':
				p.pos++
				if p.pos == len(p.text) {
					return Path{}, invalid(p.text, "trailing separator")
				}
				expectPrim = true
			case '.':
				// property of the parent, as in "...size"
				expectPrim = false
			default:
				return Path{}, invalid(p.text, "unexpected character after ..")
			}
		case c == '.':
			return p.parseProperty(cur)
		case c == '{':
			if cur.n().kind != kindPrim && cur.n().kind != kindVariant {
				return Path{}, invalid(p.text, "variant selection must follow a prim")
			}
			next, err := p.parseVariant(cur)
			if err != nil {
				return Path{}, err
			}
			cur = next
			expectPrim = false
		case isIdentStart(c):
			if !expectPrim && cur.n().kind != kindVariant {
				return Path{}, invalid(p.text, "missing separator")
			}
			name := p.readWhile(isIdentChar)
			cur = cur.AppendChild(name)
			if cur.IsEmpty() {
				return Path{}, invalid(p.text, "invalid prim name "+name)
			}
			expectPrim = false
			if p.pos < len(p.text) && p.text[p.pos] == '/' {
				p.pos++
				if p.pos == len(p.text) {
					return Path{}, invalid(p.text, "trailing separator")
				}
				expectPrim = true
			}
		default:
			return Path{}, invalid(p.text, "unexpected character "+string(c))
		}
	}
	return cur, nil
}

func (p *parser) parentAllowed(cur Path) bool {
	k := cur.n().kind
	return k == kindRelativeRoot || k == kindParent
}

func (p *parser) parseProperty(cur Path) (Path, error) {
	p.pos++
	name := p.readWhile(func(c byte) bool { return isIdentChar(c) || c == ':' })
	if !isPropertyName(name) {
		return Path{}, invalid(p.text, "invalid property name "+name)
	}
	prop := cur.AppendProperty(name)
	if prop.IsEmpty() {
		return Path{}, invalid(p.text, "property must follow a prim")
	}
	if p.pos == len(p.text) {
		return prop, nil
	}
	if p.text[p.pos] != '[' {
		return Path{}, invalid(p.text, "unexpected text after property")
	}
	end := matchBracket(p.text, p.pos)
	if end < 0 {
		return Path{}, invalid(p.text, "unterminated target")
	}
	target, err := Parse(p.text[p.pos+1 : end])
	if err != nil {
		return Path{}, err
	}
	if target.IsEmpty() {
		return Path{}, invalid(p.text, "empty target")
	}
	if end != len(p.text)-1 {
		return Path{}, invalid(p.text, "unexpected text after target")
	}
	return prop.AppendTarget(target), nil
}

func (p *parser) parseVariant(cur Path) (Path, error) {
	end := strings.IndexByte(p.text[p.pos:], '}')
	if end < 0 {
		return Path{}, invalid(p.text, "unterminated variant selection")
	}
	body := p.text[p.pos+1 : p.pos+end]
	p.pos += end + 1
	set, sel, ok := strings.Cut(body, "=")
	if !ok {
		return Path{}, invalid(p.text, "variant selection needs set=selection")
	}
	set, sel = strings.TrimSpace(set), strings.TrimSpace(sel)
	next := cur.AppendVariantSelection(set, sel)
	if next.IsEmpty() {
		return Path{}, invalid(p.text, "invalid variant selection "+body)
	}
	return next, nil
}

func (p *parser) readWhile(ok func(byte) bool) string {
	start := p.pos
	for p.pos < len(p.text) && ok(p.text[p.pos]) {
		p.pos++
	}
	return p.text[start:p.pos]
}

func matchBracket(text string, open int) int {
	depth := 0
	for i := open; i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// IsValidIdentifier reports whether name can be used as a prim name.
func IsValidIdentifier(name string) bool { return isIdentifier(name) }

// IsValidPropertyName reports whether name can be used as a property name,
// allowing ":" namespaces such as "xformOp:translate".
func IsValidPropertyName(name string) bool { return isPropertyName(name) }

func isIdentifier(name string) bool {
	if name == "" || !isIdentStart(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isIdentChar(name[i]) {
			return false
		}
	}
	return true
}

func isPropertyName(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ":") {
		if !isIdentifier(part) {
			return false
		}
	}
	return true
}

func isVariantName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isIdentChar(c) && c != '-' && c != '|' {
			return false
		}
	}
	return true
}
