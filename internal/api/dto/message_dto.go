package dto

// SendMessageRequest carries the form fields of POST /conversations/:id/messages.
// The optional attachment arrives as the multipart field "file".
type SendMessageRequest struct {
	Type             string  `json:"type" form:"type"`
	Text             *string `json:"text" form:"text"`
	ReplyToMessageID *string `json:"reply_to_message_id" form:"reply_to_message_id"`
}

// WebhookResponse acknowledges a gateway event.
type WebhookResponse struct {
	Status string `json:"status"`
}
