// ABOUTME: Wire codec for the <user_document> inline marker format
// ABOUTME: Encode and Decode must agree byte-for-byte on marker syntax across processes

package tags

import (
	"regexp"
	"strings"
)

// Placeholder is embedded in place of extracted text when a caller chooses
// not to transmit the full document content.
const Placeholder = "(content omitted)"

// Block is one document carried inside turn content.
type Block struct {
	Filename   string
	StorageRef string
	Text       string
}

// blockRe matches one complete marker block. Inner text is non-greedy so
// blocks never span a closing marker; nested openers degrade to literal
// text inside the outer block.
var blockRe = regexp.MustCompile(`(?s)<user_document\b([^>]*)>\n?(.*?)\n?</user_document>`)

// attrRe extracts the two recognized attributes in any order.
var attrRe = regexp.MustCompile(`(filename|file_path)\s*=\s*"([^"]*)"`)

// Encode serializes blocks followed by the user's free text. Each block is
//
//	<user_document filename="NAME" file_path="REF">
//	TEXT
//	</user_document>
//
// with file_path omitted when StorageRef is empty. Blocks and the trailing
// user text are separated by blank lines.
func Encode(blocks []Block, userText string) string {
	if len(blocks) == 0 {
		return userText
	}

	parts := make([]string, 0, len(blocks)+1)
	for _, b := range blocks {
		var sb strings.Builder
		sb.WriteString(`<user_document filename="`)
		sb.WriteString(b.Filename)
		sb.WriteString(`"`)
		if b.StorageRef != "" {
			sb.WriteString(` file_path="`)
			sb.WriteString(b.StorageRef)
			sb.WriteString(`"`)
		}
		sb.WriteString(">\n")
		sb.WriteString(b.Text)
		sb.WriteString("\n</user_document>")
		parts = append(parts, sb.String())
	}
	if userText != "" {
		parts = append(parts, userText)
	}
	return strings.Join(parts, "\n\n")
}

// Decode scans content left to right for non-overlapping marker blocks and
// returns the extracted documents plus the remaining text with all matched
// blocks removed and surrounding whitespace trimmed.
//
// Decode never fails: input without markers yields (nil, content trimmed),
// and malformed markers (unterminated opener, stray closer) are left in the
// remainder as literal text.
func Decode(content string) ([]Block, string) {
	matches := blockRe.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil, strings.TrimSpace(content)
	}

	var blocks []Block
	var rest strings.Builder
	prev := 0
	for _, m := range matches {
		rest.WriteString(content[prev:m[0]])
		prev = m[1]

		attrs := content[m[2]:m[3]]
		inner := content[m[4]:m[5]]

		var b Block
		for _, a := range attrRe.FindAllStringSubmatch(attrs, -1) {
			switch a[1] {
			case "filename":
				b.Filename = a[2]
			case "file_path":
				b.StorageRef = a[2]
			}
		}
		b.Text = inner
		blocks = append(blocks, b)
	}
	rest.WriteString(content[prev:])

	return blocks, strings.TrimSpace(rest.String())
}
