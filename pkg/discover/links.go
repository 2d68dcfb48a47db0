// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package discover

import (
	"fmt"
	"strings"

	"github.com/absmach/lwm2m/pkg/errors"
)

// Param is one link attribute. A param without a value is a flag.
type Param struct {
	Name  string
	Value string
}

// Link is one CoRE Link-Format entry.
type Link struct {
	Target string
	Params []Param
}

// Get returns the first value of the named param.
func (l Link) Get(name string) (string, bool) {
	for _, p := range l.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Values returns every value of the named param. Space separated values such
// as rt="a b" are split.
func (l Link) Values(name string) []string {
	var out []string
	for _, p := range l.Params {
		if p.Name == name {
			out = append(out, strings.Fields(p.Value)...)
		}
	}
	return out
}

// Add appends a param and returns the link for chaining.
func (l Link) Add(name, value string) Link {
	l.Params = append(l.Params, Param{Name: name, Value: value})
	return l
}

// FormatLinks renders links separated by commas.
func FormatLinks(links []Link) []byte {
	var buf []byte
	for i, l := range links {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendLink(buf, l)
	}
	return buf
}

func appendLink(buf []byte, l Link) []byte {
	buf = append(buf, '<')
	buf = append(buf, l.Target...)
	buf = append(buf, '>')
	for _, p := range l.Params {
		buf = append(buf, ';')
		buf = append(buf, p.Name...)
		if p.Value == "" {
			continue
		}
		buf = append(buf, '=')
		if needsQuote(p.Value) {
			buf = append(buf, '"')
			buf = append(buf, strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(p.Value)...)
			buf = append(buf, '"')
			continue
		}
		buf = append(buf, p.Value...)
	}
	return buf
}

func needsQuote(s string) bool {
	return strings.ContainsAny(s, " ,;\"<>\\=")
}

// ParseLinks parses a CoRE Link-Format document.
func ParseLinks(b []byte) ([]Link, error) {
	p := linkParser{s: string(b)}
	var links []Link
	p.skipSpace()
	if p.done() {
		return links, nil
	}
	for {
		l, err := p.link()
		if err != nil {
			return nil, err
		}
		links = append(links, l)
		p.skipSpace()
		if p.done() {
			return links, nil
		}
		if !p.consume(',') {
			return nil, p.errorf("expected ','")
		}
		p.skipSpace()
	}
}

type linkParser struct {
	s   string
	pos int
}

func (p *linkParser) done() bool { return p.pos >= len(p.s) }

func (p *linkParser) peek() byte {
	if p.done() {
		return 0
	}
	return p.s[p.pos]
}

func (p *linkParser) consume(c byte) bool {
	if p.peek() == c && !p.done() {
		p.pos++
		return true
	}
	return false
}

func (p *linkParser) skipSpace() {
	for !p.done() && (p.s[p.pos] == ' ' || p.s[p.pos] == '\t' || p.s[p.pos] == '\r' || p.s[p.pos] == '\n') {
		p.pos++
	}
}

func (p *linkParser) errorf(msg string) error {
	return fmt.Errorf("link-format offset %d: %s: %w", p.pos, msg, errors.ErrMalformed)
}

func (p *linkParser) link() (Link, error) {
	if !p.consume('<') {
		return Link{}, p.errorf("expected '<'")
	}
	end := strings.IndexByte(p.s[p.pos:], '>')
	if end < 0 {
		return Link{}, p.errorf("unterminated target")
	}
	l := Link{Target: p.s[p.pos : p.pos+end]}
	p.pos += end + 1
	for {
		p.skipSpace()
		if !p.consume(';') {
			return l, nil
		}
		p.skipSpace()
		param, err := p.param()
		if err != nil {
			return Link{}, err
		}
		l.Params = append(l.Params, param)
	}
}

func (p *linkParser) param() (Param, error) {
	start := p.pos
	for !p.done() && isTokenChar(p.s[p.pos]) && p.s[p.pos] != '=' {
		p.pos++
	}
	if start == p.pos {
		return Param{}, p.errorf("empty parameter name")
	}
	param := Param{Name: p.s[start:p.pos]}
	p.skipSpace()
	if !p.consume('=') {
		return param, nil
	}
	p.skipSpace()
	if p.consume('"') {
		var sb strings.Builder
		for {
			if p.done() {
				return Param{}, p.errorf("unterminated quoted value")
			}
			c := p.s[p.pos]
			p.pos++
			if c == '"' {
				break
			}
			if c == '\\' {
				if p.done() {
					return Param{}, p.errorf("dangling escape")
				}
				c = p.s[p.pos]
				p.pos++
			}
			sb.WriteByte(c)
		}
		param.Value = sb.String()
		return param, nil
	}
	start = p.pos
	for !p.done() && isTokenChar(p.s[p.pos]) {
		p.pos++
	}
	param.Value = p.s[start:p.pos]
	return param, nil
}

func isTokenChar(c byte) bool {
	return c > ' ' && c < 0x7f && c != ',' && c != ';' && c != '"' && c != '<' && c != '>'
}
