package sms

import "strings"

// Carrier compliance keywords, the CTIA defaults. Providers register these
// upstream before the webhook ever fires (Twilio advanced opt-out, Telnyx
// number blocks), so this side must match their lists exactly. CANCEL is in
// the carrier stop set even though it reads like an appointment verb here;
// patients declining a visit answer NO or let the conversation lapse.
var (
	stopKeywords  = keywordSet("STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT")
	startKeywords = keywordSet("START", "UNSTOP", "RESUME")
	helpKeywords  = keywordSet("HELP", "INFO")
)

// IsStopKeyword reports whether a reply leads with an opt-out keyword.
// Matching is first-word and case-insensitive, tolerating punctuation and
// a leading "please"; carriers match whole-message keywords only, so this
// over-honors rather than under-honors.
func IsStopKeyword(body string) bool { return leadsWith(body, stopKeywords) }

// IsStartKeyword reports whether a reply leads with an opt-in keyword.
func IsStartKeyword(body string) bool { return leadsWith(body, startKeywords) }

// IsHelpKeyword reports whether a reply leads with a help keyword.
func IsHelpKeyword(body string) bool { return leadsWith(body, helpKeywords) }

func keywordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func leadsWith(body string, set map[string]struct{}) bool {
	for i, word := range strings.Fields(strings.ToUpper(body)) {
		word = strings.Trim(word, ".,!?#:;()[]\"'")
		if i == 0 && word == "PLEASE" {
			continue
		}
		_, ok := set[word]
		return ok
	}
	return false
}
