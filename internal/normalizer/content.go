package normalizer

import (
	"go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/relaykit/wa-relay/internal/webhook"
)

// Content is the type, text and media descriptor of one message.
type Content struct {
	Type    string
	Text    *string
	Caption *string
	Media   webhook.MediaData
	// Downloadable is the single-media message to fetch bytes from, or nil.
	Downloadable *waE2E.Message
}

// Quoted describes the message a reply points at.
type Quoted struct {
	WaMessageID string
	SenderWaID  *string
	Text        *string
	Type        *string
}

// Unwrap strips the ephemeral and view-once containers.
func Unwrap(msg *waE2E.Message) *waE2E.Message {
	if msg == nil {
		return nil
	}
	if inner := msg.GetEphemeralMessage().GetMessage(); inner != nil {
		msg = inner
	}
	if inner := msg.GetViewOnceMessage().GetMessage(); inner != nil {
		msg = inner
	}
	if inner := msg.GetViewOnceMessageV2().GetMessage(); inner != nil {
		msg = inner
	}
	return msg
}

// Extract reads the first recognized content kind. Unknown kinds come back as
// an empty text message, which callers drop.
func Extract(msg *waE2E.Message) Content {
	msg = Unwrap(msg)
	out := Content{Type: "text"}
	if msg == nil {
		return out
	}

	switch {
	case msg.Conversation != nil:
		out.Text = msg.Conversation
	case msg.ExtendedTextMessage != nil:
		out.Text = msg.ExtendedTextMessage.Text
	case msg.ImageMessage != nil:
		m := msg.ImageMessage
		out.Type = "image"
		out.Caption = m.Caption
		out.Media = mediaData(m.Mimetype, m.FileLength, m.URL, nil)
		out.Downloadable = &waE2E.Message{ImageMessage: m}
	case msg.VideoMessage != nil:
		m := msg.VideoMessage
		out.Type = "video"
		out.Caption = m.Caption
		out.Media = mediaData(m.Mimetype, m.FileLength, m.URL, nil)
		out.Downloadable = &waE2E.Message{VideoMessage: m}
	case msg.AudioMessage != nil:
		m := msg.AudioMessage
		out.Type = "audio"
		out.Media = mediaData(m.Mimetype, m.FileLength, m.URL, nil)
		out.Downloadable = &waE2E.Message{AudioMessage: m}
	case msg.DocumentMessage != nil:
		m := msg.DocumentMessage
		out.Type = "document"
		out.Caption = m.Caption
		out.Media = mediaData(m.Mimetype, m.FileLength, m.URL, m.FileName)
		out.Downloadable = &waE2E.Message{DocumentMessage: m}
	case msg.StickerMessage != nil:
		m := msg.StickerMessage
		out.Type = "sticker"
		out.Media = mediaData(m.Mimetype, m.FileLength, m.URL, nil)
		out.Downloadable = &waE2E.Message{StickerMessage: m}
	}
	return out
}

// HasPayload reports whether there is anything worth relaying.
func (c Content) HasPayload() bool {
	return nonEmpty(c.Text) || nonEmpty(c.Caption) || c.Downloadable != nil || nonEmpty(c.Media.URL)
}

// ExtractQuoted returns the quoted reply or nil when the message quotes nothing.
func ExtractQuoted(msg *waE2E.Message) *Quoted {
	msg = Unwrap(msg)
	ctx := contextInfo(msg)
	if ctx == nil || ctx.GetStanzaID() == "" {
		return nil
	}
	q := &Quoted{WaMessageID: ctx.GetStanzaID()}
	if p := ctx.GetParticipant(); p != "" {
		sender := NormalizeWaID(p)
		q.SenderWaID = &sender
	}
	quoted := ctx.GetQuotedMessage()
	if quoted == nil {
		return q
	}
	var kind string
	switch {
	case quoted.Conversation != nil:
		kind = "text"
		q.Text = quoted.Conversation
	case quoted.ExtendedTextMessage != nil:
		kind = "text"
		q.Text = quoted.ExtendedTextMessage.Text
	case quoted.ImageMessage != nil:
		kind = "image"
		q.Text = quoted.ImageMessage.Caption
	case quoted.VideoMessage != nil:
		kind = "video"
		q.Text = quoted.VideoMessage.Caption
	case quoted.AudioMessage != nil:
		kind = "audio"
	case quoted.DocumentMessage != nil:
		kind = "document"
		q.Text = quoted.DocumentMessage.Caption
		if q.Text == nil {
			q.Text = quoted.DocumentMessage.FileName
		}
	case quoted.StickerMessage != nil:
		kind = "sticker"
	}
	if kind != "" {
		q.Type = &kind
	}
	return q
}

func contextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	if msg == nil {
		return nil
	}
	switch {
	case msg.ExtendedTextMessage.GetContextInfo() != nil:
		return msg.ExtendedTextMessage.GetContextInfo()
	case msg.ImageMessage.GetContextInfo() != nil:
		return msg.ImageMessage.GetContextInfo()
	case msg.VideoMessage.GetContextInfo() != nil:
		return msg.VideoMessage.GetContextInfo()
	case msg.DocumentMessage.GetContextInfo() != nil:
		return msg.DocumentMessage.GetContextInfo()
	case msg.AudioMessage.GetContextInfo() != nil:
		return msg.AudioMessage.GetContextInfo()
	case msg.StickerMessage.GetContextInfo() != nil:
		return msg.StickerMessage.GetContextInfo()
	}
	return nil
}

func mediaData(mime *string, length *uint64, url *string, name *string) webhook.MediaData {
	out := webhook.MediaData{Mime: mime, URL: url, Name: name}
	if length != nil && *length > 0 {
		size := int64(*length)
		out.Size = &size
	}
	return out
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
