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

package spam

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/freegle/inboundrouter/internal/store"
)

// ListSource provides the moderator-maintained word and link lists.
type ListSource interface {
	SpamKeywords(ctx context.Context) ([]store.SpamKeyword, error)
	WorryWords(ctx context.Context) ([]store.WorryWord, error)
	WhitelistedLinks(ctx context.Context) ([]string, error)
}

// Keyword is a spam keyword with its patterns compiled.
type Keyword struct {
	store.SpamKeyword

	// Literal matches the word itself on word boundaries.
	Literal *regexp.Regexp
	// Pattern matches the word as stored, on word boundaries. It differs
	// from Literal only for keywords that are not of Literal type. Nil if
	// the stored expression does not compile.
	Pattern *regexp.Regexp
	// Exclude is nil when the keyword has no exclusion or it does not
	// compile.
	Exclude *regexp.Regexp
}

// Cache is a read-through cache of the lists. Entries are loaded on first
// use and kept until Invalidate is called. It is safe for concurrent use.
type Cache struct {
	src ListSource

	mu       sync.Mutex
	keywords []Keyword
	worry    []store.WorryWord
	links    []string
	loaded   uint8
}

const (
	loadedKeywords = 1 << iota
	loadedWorry
	loadedLinks
)

func NewCache(src ListSource) *Cache {
	return &Cache{src: src}
}

// Invalidate drops all cached lists.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keywords, c.worry, c.links = nil, nil, nil
	c.loaded = 0
}

func (c *Cache) Keywords(ctx context.Context) ([]Keyword, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded&loadedKeywords != 0 {
		return c.keywords, nil
	}

	raw, err := c.src.SpamKeywords(ctx)
	if err != nil {
		return nil, err
	}
	kws := make([]Keyword, 0, len(raw))
	for _, kw := range raw {
		kws = append(kws, compileKeyword(kw))
	}
	c.keywords = kws
	c.loaded |= loadedKeywords
	return kws, nil
}

func (c *Cache) WorryWords(ctx context.Context) ([]store.WorryWord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded&loadedWorry != 0 {
		return c.worry, nil
	}
	ws, err := c.src.WorryWords(ctx)
	if err != nil {
		return nil, err
	}
	c.worry = ws
	c.loaded |= loadedWorry
	return ws, nil
}

func (c *Cache) WhitelistedLinks(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded&loadedLinks != 0 {
		return c.links, nil
	}
	links, err := c.src.WhitelistedLinks(ctx)
	if err != nil {
		return nil, err
	}
	c.links = links
	c.loaded |= loadedLinks
	return links, nil
}

func compileKeyword(kw store.SpamKeyword) Keyword {
	k := Keyword{SpamKeyword: kw}
	word := strings.TrimSpace(kw.Word)
	if word == "" {
		return k
	}
	k.Literal = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`)
	if kw.Type == "Literal" {
		k.Pattern = k.Literal
	} else {
		// Invalid stored expressions never match.
		k.Pattern, _ = regexp.Compile(`(?i)\b` + kw.Word + `\b`)
	}
	if kw.Exclude != nil && *kw.Exclude != "" {
		k.Exclude, _ = regexp.Compile(`(?i)` + *kw.Exclude)
	}
	return k
}
