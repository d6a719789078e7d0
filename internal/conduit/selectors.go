package conduit

import (
	"fmt"
	"strings"

	"chatnerd/internal/config"
)

// Selectors holds the locators and markers used against the chat application.
type Selectors struct {
	AppURL           string
	Ready            string // present once the session is authenticated
	QRCode           string // element carrying the login challenge
	QRAttribute      string
	ChatList         string // container observed for new messages
	IncomingText     string // text of incoming messages
	IncomingRow      string // row carrying the data-id of an incoming message
	Composer         string
	SendButton       string
	NewChat          string
	SearchBox        string
	ContactTitle     string // search results; the title attribute holds the contact name
	AttachButton     string
	FileInput        string
	DisconnectMarker string // text shown while the remote side ends the session
}

// DefaultSelectors returns locators for WhatsApp Web.
func DefaultSelectors() Selectors {
	return Selectors{
		AppURL:           "https://web.whatsapp.com",
		Ready:            "#pane-side",
		QRCode:           "div[data-ref]",
		QRAttribute:      "data-ref",
		ChatList:         `div[aria-label="Lista de conversas"]`,
		IncomingText:     ".message-in .copyable-text",
		IncomingRow:      "div[data-id]:has(.message-in)",
		Composer:         `footer div[contenteditable="true"]`,
		SendButton:       `span[data-icon="send"]`,
		NewChat:          `span[data-icon="new-chat-outline"]`,
		SearchBox:        `div[contenteditable="true"][data-tab="3"]`,
		ContactTitle:     `div[role="button"] span[title]`,
		AttachButton:     `span[data-icon="plus"]`,
		FileInput:        `input[type="file"]`,
		DisconnectMarker: "Desconectando",
	}
}

// Override returns a copy with every non-empty configured field applied.
func (s Selectors) Override(o config.SelectorsConfig) Selectors {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&s.AppURL, o.AppURL)
	set(&s.Ready, o.Ready)
	set(&s.QRCode, o.QRCode)
	set(&s.QRAttribute, o.QRAttribute)
	set(&s.ChatList, o.ChatList)
	set(&s.IncomingText, o.IncomingText)
	set(&s.IncomingRow, o.IncomingRow)
	set(&s.Composer, o.Composer)
	set(&s.SendButton, o.SendButton)
	set(&s.NewChat, o.NewChat)
	set(&s.SearchBox, o.SearchBox)
	set(&s.ContactTitle, o.ContactTitle)
	set(&s.AttachButton, o.AttachButton)
	set(&s.FileInput, o.FileInput)
	set(&s.DisconnectMarker, o.DisconnectMarker)
	return s
}

// ByAriaLabel builds a locator matching an element by its aria-label.
func ByAriaLabel(label string) string {
	return fmt.Sprintf(`[aria-label="%s"]`, escapeAttr(label))
}

// ByTitle narrows base to the element whose title attribute equals title.
func ByTitle(base, title string) string {
	base = strings.TrimSuffix(base, "[title]")
	return fmt.Sprintf(`%s[title="%s"]`, base, escapeAttr(title))
}

func escapeAttr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}
