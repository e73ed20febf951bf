// Package channel holds the prompt pipeline shared by the email and chat bot adapters.
package channel

import (
	"regexp"
	"strings"
)

var (
	headerPrefixes    = []string{"From:", "To:", "Subject:", "Date:"}
	signaturePrefixes = []string{"--", "Best regards", "Sincerely", "Thanks"}
	greetings         = []string{"hi", "hello", "hey", "dear"}

	emailAddress = regexp.MustCompile(`\S+@\S+\.\S+`)
)

const maxAddressLineLen = 50

// ExtractPrompt pulls the request text out of a free-form message body.
// Quoted replies, reply headers, mail headers and bare address lines are dropped, a leading
// greeting line is dropped, and everything from a signature marker on is ignored.
// The remaining lines are joined with single spaces.
func ExtractPrompt(body string) string {
	return extract(body, true)
}

// ExtractChatPrompt is ExtractPrompt without the greeting rule: a chat message such as
// "hello there" is the prompt itself.
func ExtractChatPrompt(body string) string {
	return extract(body, false)
}

func extract(body string, dropGreeting bool) string {
	var kept []string

	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || skipLine(line) {
			continue
		}
		if hasAnyPrefix(line, signaturePrefixes) {
			break
		}
		if dropGreeting && len(kept) == 0 && isGreeting(line) {
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, " "))
}

func skipLine(line string) bool {
	switch {
	case strings.HasPrefix(line, ">"):
		return true
	case strings.HasPrefix(line, "On ") && strings.Contains(line, "wrote:"):
		return true
	case hasAnyPrefix(line, headerPrefixes):
		return true
	case len(line) < maxAddressLineLen && emailAddress.MatchString(line):
		return true
	}
	return false
}

// isGreeting matches short salutation lines such as "Hi", "Hello team," or "Dear Sir,".
func isGreeting(line string) bool {
	if strings.HasSuffix(line, "?") {
		return false
	}
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 3 {
		return false
	}
	first := strings.ToLower(strings.TrimRight(words[0], ",!.:"))
	for _, g := range greetings {
		if first == g {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
