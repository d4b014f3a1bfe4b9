// Package mime decodes the part tree of a Gmail full-format message into
// plain text, HTML-stripped text, and an attachment manifest.
package mime

import (
	"encoding/base64"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/aklimov/mailrelay/internal/gmail"
	"github.com/aklimov/mailrelay/internal/textutil"
)

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
)

// AttachmentRef describes an attachment without its bytes. Fetching the
// bytes is a separate API call outside this package's scope.
type AttachmentRef struct {
	Filename     string
	MimeType     string
	AttachmentID string
	Size         int64
}

// DecodeBody walks the part tree and concatenates the decoded text of every
// part matching the wanted type: text/plain when wantHTML is false,
// text/html when true. With stripHTML set, HTML parts are reduced to their
// visible text. A part that fails to decode is logged and skipped; the walk
// never aborts. Returns the empty string when no part matches.
func DecodeBody(root *gmail.MessagePart, wantHTML, stripHTML bool) string {
	if root == nil {
		return ""
	}
	return strings.TrimSpace(decodePart(root, wantHTML, stripHTML))
}

func decodePart(part *gmail.MessagePart, wantHTML, stripHTML bool) string {
	var text string

	wanted := mimeTextPlain
	if wantHTML {
		wanted = mimeTextHTML
	}

	if part.MimeType == wanted && part.Body.Data != "" {
		decoded, err := decodeBase64URL(part.Body.Data)
		if err != nil {
			slog.Warn("skipping undecodable message part",
				"part_id", part.PartID, "mime_type", part.MimeType, "error", err)
		} else {
			s := textutil.EnsureUTF8(string(decoded))
			if wantHTML && stripHTML {
				s = StripHTML(s)
			}
			text += s
		}
	}

	for _, child := range part.Parts {
		text += decodePart(child, wantHTML, stripHTML)
	}
	return text
}

// FindAttachments collects every part carrying a filename and an attachment
// ID, in traversal order. Repeated attachment IDs in a malformed tree are
// returned as-is; callers must tolerate duplicates.
func FindAttachments(root *gmail.MessagePart) []AttachmentRef {
	if root == nil {
		return nil
	}

	var refs []AttachmentRef
	if root.Filename != "" && root.Body.AttachmentID != "" {
		refs = append(refs, AttachmentRef{
			Filename:     root.Filename,
			MimeType:     root.MimeType,
			AttachmentID: root.Body.AttachmentID,
			Size:         root.Body.Size,
		})
	}
	for _, child := range root.Parts {
		refs = append(refs, FindAttachments(child)...)
	}
	return refs
}

// HeaderIndex builds a case-insensitive lookup of the payload headers.
// When a header name repeats, the later value wins. Defaults for missing
// headers are the caller's concern.
func HeaderIndex(payload *gmail.MessagePart) map[string]string {
	index := make(map[string]string)
	if payload == nil {
		return index
	}
	for _, h := range payload.Headers {
		index[strings.ToLower(h.Name)] = h.Value
	}
	return index
}

// tagPattern is the crude fallback used when the HTML parser fails.
var tagPattern = regexp.MustCompile(`<[^>]+>`)

// StripHTML extracts the visible text of an HTML document: script and style
// elements and comments are dropped, remaining text is whitespace-collapsed
// and trimmed.
func StripHTML(content string) string {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		slog.Warn("html parse failed, falling back to tag removal", "error", err)
		return collapseWhitespace(tagPattern.ReplaceAllString(content, ""))
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		case html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return collapseWhitespace(sb.String())
}

// collapseWhitespace reduces runs of whitespace to single spaces and trims.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// decodeBase64URL decodes web-safe base64, tolerating optional padding.
// Gmail typically returns unpadded base64url but both forms occur.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
