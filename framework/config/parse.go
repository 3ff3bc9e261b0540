/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"
)

type token struct {
	text string
	line int
	// logical is the directive line number, it differs from line only for
	// lines joined with a trailing backslash.
	logical int
	quoted  bool
}

func (t token) is(s string) bool {
	return !t.quoted && t.text == s
}

// tokenize splits the input into whitespace-separated tokens. Braces are
// always separate tokens unless quoted. A backslash at the end of a line
// joins it with the next one.
func tokenize(r io.Reader) ([]token, error) {
	br := bufio.NewReader(r)

	var (
		toks    []token
		cur     []rune
		line    = 1
		logical = 1
		start   = 1
		quoted  bool
		escaped bool
		comment bool
		joined  bool
	)
	flush := func(wasQuoted bool) {
		if len(cur) == 0 && !wasQuoted {
			return
		}
		toks = append(toks, token{text: string(cur), line: start, logical: logical, quoted: wasQuoted})
		cur = cur[:0]
	}

	first := true
	for {
		ch, _, err := br.ReadRune()
		if err != nil {
			if err != io.EOF {
				return nil, err
			}
			if quoted {
				return nil, fmt.Errorf("line %d: unterminated quoted string", start)
			}
			flush(false)
			return toks, nil
		}
		if first {
			first = false
			if ch == 0xFEFF {
				continue
			}
		}

		if quoted {
			switch {
			case escaped:
				if ch != '"' && ch != '\\' {
					cur = append(cur, '\\')
				}
				cur = append(cur, ch)
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				quoted = false
				flush(true)
			default:
				if ch == '\n' {
					line++
				}
				cur = append(cur, ch)
			}
			continue
		}

		if ch == '\n' {
			flush(false)
			line++
			comment = false
			if joined {
				joined = false
			} else {
				logical++
			}
			continue
		}
		if comment {
			continue
		}

		switch {
		case ch == '#' && len(cur) == 0:
			comment = true
		case ch == '\\' && len(cur) == 0:
			joined = true
		case unicode.IsSpace(ch):
			flush(false)
		case ch == '{' && peekEnv(br):
			if len(cur) == 0 {
				start = line
			}
			cur = append(cur, ch)
			for {
				next, _, err := br.ReadRune()
				if err != nil || next == '\n' {
					return nil, fmt.Errorf("line %d: unterminated {env:...} placeholder", line)
				}
				cur = append(cur, next)
				if next == '}' {
					break
				}
			}
		case ch == '{' || ch == '}':
			flush(false)
			start = line
			cur = append(cur, ch)
			flush(false)
		case ch == '"' && len(cur) == 0:
			quoted = true
			start = line
		default:
			if len(cur) == 0 {
				start = line
			}
			cur = append(cur, ch)
		}
	}
}

func peekEnv(br *bufio.Reader) bool {
	b, err := br.Peek(4)
	return err == nil && string(b) == "env:"
}

type parser struct {
	toks []token
	pos  int
	file string
}

func (p *parser) errf(line int, f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", p.file, line, fmt.Sprintf(f, args...))
}

func (p *parser) block(depth int) ([]Node, error) {
	// Empty braces produce an empty, non-nil slice.
	nodes := []Node{}

	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		if tok.is("}") {
			if depth == 0 {
				return nil, p.errf(tok.line, "unexpected }")
			}
			p.pos++
			return nodes, nil
		}
		if tok.is("{") {
			return nil, p.errf(tok.line, "block without a directive name")
		}
		if err := validateName(tok.text); err != nil {
			return nil, p.errf(tok.line, "%v", err)
		}

		node := Node{Name: tok.text, File: p.file, Line: tok.line}
		p.pos++

	args:
		for p.pos < len(p.toks) && p.toks[p.pos].logical == tok.logical {
			t := p.toks[p.pos]
			switch {
			case t.is("{"):
				p.pos++
				children, err := p.block(depth + 1)
				if err != nil {
					return nil, err
				}
				node.Children = children
				break args
			case t.is("}"):
				break args
			default:
				node.Args = append(node.Args, t.text)
				p.pos++
			}
		}

		nodes = append(nodes, node)
	}

	if depth != 0 {
		return nil, fmt.Errorf("%s: unexpected EOF when looking for }", p.file)
	}
	return nodes, nil
}

func validateName(s string) error {
	if s == "" {
		return errors.New("empty directive name")
	}
	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}
	for _, ch := range s {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && !strings.ContainsRune(".-_", ch) {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}
	return nil
}

var envRe = regexp.MustCompile(`{env:([^}]+)}`)

func expandEnv(nodes []Node) {
	for i := range nodes {
		nodes[i].Name = envRe.ReplaceAllStringFunc(nodes[i].Name, envValue)
		for j, arg := range nodes[i].Args {
			nodes[i].Args[j] = envRe.ReplaceAllStringFunc(arg, envValue)
		}
		expandEnv(nodes[i].Children)
	}
}

func envValue(match string) string {
	name := envRe.FindStringSubmatch(match)[1]
	return os.Getenv(name)
}

// Read parses the configuration from r. location is used in error
// messages.
func Read(r io.Reader, location string) ([]Node, error) {
	toks, err := tokenize(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}

	p := parser{toks: toks, file: location}
	nodes, err := p.block(0)
	if err != nil {
		return nil, err
	}
	expandEnv(nodes)
	return nodes, nil
}
