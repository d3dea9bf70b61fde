// Package markdown converts between Slack mrkdwn and standard Markdown and
// cleans up model replies before they are shown in Slack.
//
// See https://api.slack.com/reference/surfaces/formatting#basics
package markdown

import (
	"regexp"
	"strings"
)

// codeSpan matches fenced code blocks and inline code; text inside them is
// never rewritten.
var codeSpan = regexp.MustCompile("(?s)```.+?```|`[^`\n]+?`")

type rewrite struct {
	pattern *regexp.Regexp
	repl    string
}

// Emphasis bodies must not start or end with whitespace.
const (
	starBody  = `([^*\s](?:[^*\n]*?[^*\s])?)`
	underBody = `([^_\s](?:[^_\n]*?[^_\s])?)`
	tildeBody = `([^~\s](?:[^~\n]*?[^~\s])?)`
)

var slackToMarkdown = []rewrite{
	{regexp.MustCompile(`\*` + starBody + `\*`), "**$1**"},
	{regexp.MustCompile(`_` + underBody + `_`), "*$1*"},
	{regexp.MustCompile(`~` + tildeBody + `~`), "~~$1~~"},
}

var (
	boldItalic   = regexp.MustCompile(`\*\*\*` + starBody + `\*\*\*`)
	italicStar   = regexp.MustCompile(`^\*` + starBody + `\*`)
	boldStar     = regexp.MustCompile(`\*\*` + starBody + `\*\*`)
	boldUnder    = regexp.MustCompile(`__` + underBody + `__`)
	strikeDouble = regexp.MustCompile(`~~` + tildeBody + `~~`)
)

// SlackToMarkdown translates Slack emphasis (*bold*, _italic_, ~strike~)
// into Markdown outside of code.
func SlackToMarkdown(text string) string {
	return mapOutsideCode(text, func(part string) string {
		for _, rw := range slackToMarkdown {
			part = rw.pattern.ReplaceAllString(part, rw.repl)
		}
		return part
	})
}

// MarkdownToSlack translates Markdown emphasis into Slack mrkdwn outside of
// code and wraps pipe tables in code fences, which Slack cannot render.
func MarkdownToSlack(text string) string {
	text = mapOutsideCode(text, func(part string) string {
		part = boldItalic.ReplaceAllString(part, "_*${1}*_")
		part = replaceSingleStar(part)
		part = boldStar.ReplaceAllString(part, "*$1*")
		part = boldUnder.ReplaceAllString(part, "*$1*")
		return strikeDouble.ReplaceAllString(part, "~$1~")
	})
	return FenceTables(text)
}

// replaceSingleStar turns *italic* into _italic_ when the markers are not
// adjacent to another '*' or '_'.
func replaceSingleStar(part string) string {
	var sb strings.Builder
	i := 0
	for i < len(part) {
		if part[i] == '*' && (i == 0 || (part[i-1] != '*' && part[i-1] != '_')) {
			if loc := italicStar.FindStringSubmatchIndex(part[i:]); loc != nil {
				end := i + loc[1]
				if end == len(part) || (part[end] != '*' && part[end] != '_') {
					sb.WriteString("_")
					sb.WriteString(part[i+loc[2] : i+loc[3]])
					sb.WriteString("_")
					i = end
					continue
				}
			}
		}
		sb.WriteByte(part[i])
		i++
	}
	return sb.String()
}

func mapOutsideCode(text string, fn func(string) string) string {
	locs := codeSpan.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return fn(text)
	}
	var sb strings.Builder
	prev := 0
	for _, loc := range locs {
		sb.WriteString(fn(text[prev:loc[0]]))
		sb.WriteString(text[loc[0]:loc[1]])
		prev = loc[1]
	}
	sb.WriteString(fn(text[prev:]))
	return sb.String()
}

// UnescapeSlack reverses Slack's HTML escaping of '&', '<' and '>'.
func UnescapeSlack(text string) string {
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&").Replace(text)
}

var (
	leadingNewlines = regexp.MustCompile(`^\n+`)
	echoedAuthor    = regexp.MustCompile(`^<@U.*?>\s?:\s?`)
	fenceLanguage   = regexp.MustCompile("```[ \t]*(?:[Rr]ust|[Rr]uby|[Ss]cala|[Kk]otlin|[Jj]ava[Ss]cript|[Jj]ava|[Gg]o|[Ss]wift|[Oo]bjective[Cc]|[Cc][+][+]|[Cc][Pp][Pp]|[Cc]sharp|[Cc]|(?i:matlab|json|lua|cmake|sql|php|perl)|[Ll]a[Tt]e[Xx]|bash|zsh|sh|[Tt]ype[Ss]cript|[Pp]ython)\n")
)

// FormatReply cleans a model reply for Slack: leading newlines and an
// echoed "<@U…>:" author prefix are removed, and language tags are stripped
// from code fences because Slack shows them as text.
func FormatReply(text string) string {
	text = leadingNewlines.ReplaceAllString(text, "")
	text = echoedAuthor.ReplaceAllString(text, "")
	return fenceLanguage.ReplaceAllString(text, "```\n")
}
