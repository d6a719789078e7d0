package ingest

import (
	"strings"

	"golang.org/x/net/html"

	"chatnerd/internal/conduit"
)

const incomingClass = "message-in"

// hint is what a change notification's outerHTML says about the changed node.
type hint struct {
	chat     string // first aria-label in document order
	incoming bool   // some element carries the incoming-message class
}

func parseHint(fragment string) hint {
	var h hint
	if fragment == "" {
		return h
	}
	z := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return h
		case html.StartTagToken, html.SelfClosingTagToken:
			_, hasAttr := z.TagName()
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				switch string(key) {
				case "aria-label":
					if h.chat == "" && len(val) > 0 {
						h.chat = string(val)
					}
				case "class":
					for _, c := range strings.Fields(string(val)) {
						if c == incomingClass {
							h.incoming = true
						}
					}
				}
			}
		}
	}
}

// classify decides whether a change is a candidate and which chat it points at.
// Text changes under the container always are; added nodes only when they look
// like a chat row or an incoming message.
func classify(ev conduit.RawChangeEvent) (chat string, candidate bool) {
	switch ev.Kind {
	case conduit.KindText:
		return parseHint(ev.LocatorHint).chat, true
	case conduit.KindSubtree:
		h := parseHint(ev.LocatorHint)
		return h.chat, h.chat != "" || h.incoming
	default:
		return "", false
	}
}
