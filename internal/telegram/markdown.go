package telegram

import (
	"fmt"
	"strings"
	"time"
)

// maxMessageLen is the Bot API per-message ceiling.
const maxMessageLen = 4096

// reserved is the MarkdownV2 set that must be backslash-escaped in plain
// text regions.
const reserved = "_*[]()~`>#+-=|{}.!"

// EscapeMarkdownV2 escapes every reserved character. A character already
// preceded by a backslash is left alone, so re-escaping an escaped
// segment is a no-op.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && strings.IndexByte(reserved, s[i+1]) >= 0 {
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if strings.IndexByte(reserved, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// normalizeBullets rewrites lines starting with •, - or * to a uniform
// "•  " prefix. The bullet glyph is outside the reserved set, so the
// rewritten prefix survives escaping untouched.
func normalizeBullets(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		var rest string
		switch {
		case strings.HasPrefix(trimmed, "•"):
			rest = trimmed[len("•"):]
		case trimmed[0] == '-' || trimmed[0] == '*':
			rest = trimmed[1:]
		default:
			continue
		}
		lines[i] = "•  " + strings.TrimLeft(rest, " \t")
	}
	return strings.Join(lines, "\n")
}

// escapeBody escapes the digest body line by line so bullet-leading bold
// runs survive.
func escapeBody(body string) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = escapeLine(line)
	}
	return strings.Join(lines, "\n")
}

// escapeLine escapes one body line. A bullet line may open with a bold
// topic run ("•  *Markets* ..."); its boundary asterisks stay live while
// the interior and the rest of the line are escaped. Anything without a
// closed run is escaped literally.
func escapeLine(line string) string {
	const open = "•  *"
	if strings.HasPrefix(line, open) {
		rest := line[len(open):]
		if end := strings.IndexByte(rest, '*'); end > 0 {
			return open + EscapeMarkdownV2(rest[:end]) + "*" + EscapeMarkdownV2(rest[end+1:])
		}
	}
	return EscapeMarkdownV2(line)
}

// FormatDigest renders one digest body into MarkdownV2 message texts
// ready to send. The first return is always non-empty. Bodies that
// exceed the message ceiling are split on paragraph boundaries and each
// segment carries a (i/N) marker in its header.
func FormatDigest(title string, createdAt time.Time, body string) []string {
	escTitle := EscapeMarkdownV2(title)
	escTime := EscapeMarkdownV2(createdAt.UTC().Format("2006-01-02 15:04") + " UTC")
	escBody := escapeBody(normalizeBullets(strings.TrimSpace(body)))

	header := "📰 *" + escTitle + "*"
	single := header + "\n" + escTime + "\n\n" + escBody
	if len(single) <= maxMessageLen {
		return []string{single}
	}

	// Reserve room for the part marker, widening the reservation when
	// the chunk count needs more digits than the first pass assumed.
	base := len(header) + 1 + len(escTime) + 2
	reserve := len(" \\(00/00\\)")
	chunks := packParagraphs(escBody, maxMessageLen-base-reserve)
	for {
		widest := len(fmt.Sprintf(" \\(%d/%d\\)", len(chunks), len(chunks)))
		if widest <= reserve {
			break
		}
		reserve = widest
		chunks = packParagraphs(escBody, maxMessageLen-base-reserve)
	}

	msgs := make([]string, len(chunks))
	for i, chunk := range chunks {
		part := fmt.Sprintf(" \\(%d/%d\\)", i+1, len(chunks))
		msgs[i] = "📰 *" + escTitle + part + "*\n" + escTime + "\n\n" + chunk
	}
	return msgs
}

// packParagraphs greedily packs paragraphs (split on blank lines) into
// chunks no longer than budget. A single oversized paragraph is hard
// split at a newline, or mid-line as a last resort.
func packParagraphs(body string, budget int) []string {
	paragraphs := strings.Split(body, "\n\n")
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}
	for _, p := range paragraphs {
		for len(p) > budget {
			flush()
			cut := strings.LastIndexByte(p[:budget], '\n')
			if cut <= 0 {
				cut = budget
				// Never split an escape pair or a multi-byte rune.
				for cut > 1 && (p[cut-1] == '\\' || p[cut]&0xC0 == 0x80) {
					cut--
				}
			}
			chunks = append(chunks, strings.TrimRight(p[:cut], "\n"))
			p = strings.TrimLeft(p[cut:], "\n")
		}
		if cur.Len() > 0 && cur.Len()+2+len(p) > budget {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(p)
	}
	flush()
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks
}
