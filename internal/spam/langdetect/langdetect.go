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

// Package langdetect decides whether text is written in one of the
// languages the platform accepts.
package langdetect

import (
	"github.com/pemistahl/lingua-go"
)

// DefaultAccepted are the languages accepted when none are configured.
var DefaultAccepted = []lingua.Language{lingua.English, lingua.Welsh}

// candidates is the set of languages the detector distinguishes between.
// Loading every model lingua knows costs about a gigabyte of memory, this
// covers what actually shows up in the mail stream.
var candidates = []lingua.Language{
	lingua.English, lingua.Welsh, lingua.French, lingua.German,
	lingua.Spanish, lingua.Portuguese, lingua.Italian, lingua.Dutch,
	lingua.Polish, lingua.Romanian, lingua.Russian, lingua.Ukrainian,
	lingua.Turkish, lingua.Arabic, lingua.Indonesian, lingua.Vietnamese,
	lingua.Tagalog, lingua.Chinese, lingua.Japanese, lingua.Korean,
	lingua.Hindi, lingua.Urdu, lingua.Bengali, lingua.Swahili,
	lingua.Yoruba, lingua.Latin,
}

// RelativeThreshold is how close an accepted language must be to the top
// ranked one to count as supported.
const RelativeThreshold = 0.8

type Detector struct {
	detector lingua.LanguageDetector
	accepted map[lingua.Language]struct{}
}

// New builds a detector accepting the given languages. With no arguments
// DefaultAccepted is used.
func New(accepted ...lingua.Language) *Detector {
	if len(accepted) == 0 {
		accepted = DefaultAccepted
	}

	langs := append([]lingua.Language(nil), candidates...)
	d := &Detector{accepted: make(map[lingua.Language]struct{}, len(accepted))}
	for _, l := range accepted {
		d.accepted[l] = struct{}{}
		if !contains(langs, l) {
			langs = append(langs, l)
		}
	}
	d.detector = lingua.NewLanguageDetectorBuilder().
		FromLanguages(langs...).
		Build()
	return d
}

// ParseLanguages maps ISO 639-1 codes ("en", "cy") to languages. Unknown
// codes are returned separately.
func ParseLanguages(codes []string) (langs []lingua.Language, unknown []string) {
	for _, code := range codes {
		l := lingua.GetLanguageFromIsoCode639_1(lingua.GetIsoCode639_1FromValue(code))
		if l == lingua.Unknown {
			unknown = append(unknown, code)
			continue
		}
		langs = append(langs, l)
	}
	return langs, unknown
}

// IsSupported reports whether an accepted language is the most likely one
// or within RelativeThreshold of it. Text the model cannot classify is
// treated as supported.
func (d *Detector) IsSupported(text string) bool {
	values := d.detector.ComputeLanguageConfidenceValues(text)
	if len(values) == 0 {
		return true
	}

	top := values[0]
	if _, ok := d.accepted[top.Language()]; ok {
		return true
	}

	var ours float64
	for _, v := range values {
		if _, ok := d.accepted[v.Language()]; ok && v.Value() > ours {
			ours = v.Value()
		}
	}
	return ours >= RelativeThreshold*top.Value()
}

func contains(langs []lingua.Language, l lingua.Language) bool {
	for _, x := range langs {
		if x == l {
			return true
		}
	}
	return false
}
