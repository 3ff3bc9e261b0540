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

package message

import (
	"regexp"
	"strings"
)

var quoteSeparators = []string{
	"----Original message----",
	"--------------------------------------------",
	"-------- Mensagem original --------",
	"_________________________________________________________________",
	"-------- Original message --------",
	"----- Original Message -----",
	"_____",
	"-----Original Message-----",
	"________________________________",
	"~*~*~*~*~*~*",
}

// Ordered, each one applied to the result of the previous one.
var quoteRewrites = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?ms)(.*)^From:.*?ilovefreegle\.org$(.*)`), "$1$2"},
	{regexp.MustCompile(`(?ms)(.*)^From:.*?trashnothing\.com$(.*)`), "$1$2"},
}

var (
	quotedLinesRe = regexp.MustCompile(`(?m)(^(>|\|).*(\n|$))+`)
	wroteRe       = regexp.MustCompile(`(?ms)(.*)^\s*On.*?wrote:(\s*)`)
	yahooToRe     = regexp.MustCompile(`(?ms)(.*)^To:.*yahoogroups.*$.*__,_._,___(.*)`)
	yahooSep1Re   = regexp.MustCompile(`(?s)(.*?)__,_._,___(.*)`)
	yahooSep2Re   = regexp.MustCompile(`(?s)(.*?)__\._,_\.___(.*)`)
	yahooCSSRe    = regexp.MustCompile(`#yiv.*\}\}`)
	blankLinesRe  = regexp.MustCompile(`(?s)(?:(?:\r\n|\r|\n)\s*){2}`)
	cidRe         = regexp.MustCompile(`\[cid:.*?\]`)
	pipeRe        = regexp.MustCompile(`(?m)^\|`)

	headerTailRes = []*regexp.Regexp{
		regexp.MustCompile(`(?is)[\r\n](\s*)To:.*?$`),
		regexp.MustCompile(`(?is)[\r\n](\s*)From:.*?$`),
		regexp.MustCompile(`(?is)[\r\n](\s*)Sent:.*?$`),
		regexp.MustCompile(`(?is)[\r\n](\s*)Date:.*?$`),
		regexp.MustCompile(`(?is)[\r\n](\s*)Subject:.*?$`),
	}

	footerRes = []*regexp.Regexp{
		regexp.MustCompile(`(?im)This message was from user .*?, and this mail was sent to .*?$`),
		regexp.MustCompile(`(?im)Freegle is registered as a charity.*?nice\.`),
		regexp.MustCompile(`(?i)This mail was sent to`),
		regexp.MustCompile(`(?i)You can change your settings by clicking here`),
	}

	signatureRes = compileAll([]string{
		`(?ims)^Get Outlook for Android.*`,
		`(?ims)^Get Outlook for IOS.*`,
		`(?ims)^Sent from my Xperia.*`,
		`(?ims)^Sent from the all-new AOL app.*`,
		`(?ims)^Sent from my BlueMail`,
		`(?ims)^Sent using the mail\.com mail app.*`,
		`(?ims)^Sent from my phone.*`,
		`(?ims)^Sent from my iPad.*`,
		`(?ims)^Sent from my .*smartphone\.`,
		`(?ims)^Sent from my iPhone.*`,
		`(?i)Sent.* from my iPhone`,
		`(?i)Sent via BT Email App`,
		`(?ims)^Sent from EE.*`,
		`(?ims)^Sent from my Samsung device.*`,
		`(?ims)^Sent from my Galaxy.*`,
		`(?ims)^Sent from my Samsung Galaxy smartphone.*`,
		`(?ims)^Sent from my Windows Phone.*`,
		`(?ims)^Sent from the trash nothing! Mobile App.*`,
		`(?ims)^Sent from my account on trashnothing\.com.*`,
		`(?ims)^Save time browsing & posting to.*`,
		`(?ims)^Sent on the go from.*`,
		`(?ims)^Sent from Yahoo Mail.*`,
		`(?ims)^Sent from Windows Mail.*`,
		`(?ims)^Sent from Mail.*`,
		`(?ims)^Sent from my BlackBerry.*`,
		`(?ims)^Sent from my Huawei Mobile.*`,
		`(?ims)^Sent from my Huawei phone.*`,
		`(?ims)^Sent from myMail for iOS.*`,
		`(?ims)^Von meinem Samsung Galaxy Smartphone gesendet.*`,
		`(?ims)^Sent from Samsung Mobile.*`,
		`(?ims)^Sent using penguin power from my iPhone.*`,
	})
)

func compileAll(exprs []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		res[i] = regexp.MustCompile(e)
	}
	return res
}

const (
	emClientSeparator = "------ Original Message ------"
	yahooCSS          = "blockquote, div.yahoo_quoted { margin-left: 0 !important; border-left:1px #715FFA solid !important; padding-left:1ex !important; background-color:white !important; }"
	replyPrompt       = "You can respond by just replying to this email"
	partnerAutoText   = "[Note: This is an automated response from trashnothing.com on behalf of the post author]"
)

// StripQuoted removes quoted replies, client signatures and our own
// notification boilerplate from a reply body, leaving what the sender
// actually wrote. Replies are assumed to be top-posted.
//
// userSite is the host of the user-facing site, login keys are removed
// from links pointing to it.
func StripQuoted(text, userSite string) string {
	text = strings.ReplaceAll(text, "\u00a0", " ")
	text = strings.TrimSpace(quotedLinesRe.ReplaceAllString(text, ""))

	if p := strings.Index(text, emClientSeparator); p >= 0 {
		if q := strings.Index(text[p:], "\r\n\r\n"); q >= 0 {
			text = text[:p] + text[p+q:]
		} else {
			text = text[:p]
		}
	}

	for _, sep := range quoteSeparators {
		// A separator at the very start is not a quote marker.
		if p := strings.Index(text, sep); p > 0 {
			text = text[:p]
		}
	}

	for _, rw := range quoteRewrites {
		text = rw.re.ReplaceAllString(text, rw.repl)
	}

	if p := strings.Index(text, replyPrompt); p > 0 {
		text = text[:p]
	}

	if m := wroteRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	if m := yahooToRe.FindStringSubmatch(text); m != nil {
		text = m[1] + m[2]
	}
	if m := yahooSep1Re.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if m := yahooSep2Re.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	for _, re := range headerTailRes {
		text = re.ReplaceAllString(text, "")
	}
	for _, re := range signatureRes {
		text = re.ReplaceAllString(text, "")
	}

	text = strings.ReplaceAll(text, yahooCSS, "")
	text = yahooCSSRe.ReplaceAllString(text, "")

	if userSite != "" {
		keyRe := regexp.MustCompile(`(https://` + regexp.QuoteMeta(userSite) + `\S*)(k=\S*)`)
		text = keyRe.ReplaceAllString(text, "$1")
	}

	text = blankLinesRe.ReplaceAllString(text, "\r\n\r\n")

	for _, re := range footerRes {
		text = re.ReplaceAllString(text, "")
	}

	text = pipeRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "|")

	text = cidRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, partnerAutoText, "")

	return strings.Trim(text, " \t\n\r\x00\x0B_-")
}
