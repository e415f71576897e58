package webhook

// MediaData describes attached media. Base64 carries the downloaded bytes
// inline when the gateway could fetch them.
type MediaData struct {
	Mime   *string `json:"mime"`
	Size   *int64  `json:"size"`
	URL    *string `json:"url"`
	Name   *string `json:"name"`
	Base64 *string `json:"base64"`
}

// MessageData is the data object of message.incoming and message.outgoing.
type MessageData struct {
	WaMessageID        *string    `json:"wa_message_id"`
	FromWaID           string     `json:"from_wa_id"`
	Phone              *string    `json:"phone"`
	PushName           *string    `json:"push_name"`
	IsGroup            bool       `json:"is_group"`
	GroupWaID          *string    `json:"group_wa_id"`
	GroupSubject       *string    `json:"group_subject"`
	SenderWaID         *string    `json:"sender_wa_id"`
	SenderPhone        *string    `json:"sender_phone"`
	SenderName         *string    `json:"sender_name"`
	Type               string     `json:"type"`
	Text               *string    `json:"text"`
	Caption            *string    `json:"caption"`
	ReplyToWaMessageID *string    `json:"reply_to_wa_message_id"`
	ReplyToSenderWaID  *string    `json:"reply_to_sender_wa_id"`
	ReplyToText        *string    `json:"reply_to_text"`
	ReplyToType        *string    `json:"reply_to_type"`
	Media              *MediaData `json:"media"`
	WaTimestamp        string     `json:"wa_timestamp"`
}

// AckData is the data object of message.ack.
type AckData struct {
	WaMessageID string `json:"wa_message_id"`
	Ack         string `json:"ack"`
	WaTimestamp string `json:"wa_timestamp"`
}
