package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/relaykit/wa-relay/internal/repository"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// fingerprintFields fixes the key order of the hashed document.
type fingerprintFields struct {
	FromWaID    string `json:"from_wa_id"`
	GroupWaID   string `json:"group_wa_id"`
	SenderWaID  string `json:"sender_wa_id"`
	Phone       string `json:"phone"`
	WaTimestamp string `json:"wa_timestamp"`
	Type        string `json:"type"`
	Text        string `json:"text"`
	Caption     string `json:"caption"`
	MediaMime   string `json:"media_mime"`
	MediaSize   string `json:"media_size"`
	MediaURL    string `json:"media_url"`
}

// Fingerprint identifies an inbound message by content when the channel id is
// missing or unreliable.
func Fingerprint(data webhook.MessageData) string {
	fields := fingerprintFields{
		FromWaID:    data.FromWaID,
		GroupWaID:   deref(data.GroupWaID),
		SenderWaID:  deref(data.SenderWaID),
		Phone:       deref(data.Phone),
		WaTimestamp: data.WaTimestamp,
		Type:        data.Type,
		Text:        deref(data.Text),
		Caption:     deref(data.Caption),
	}
	if m := data.Media; m != nil {
		fields.MediaMime = deref(m.Mime)
		fields.MediaURL = deref(m.URL)
		if m.Size != nil {
			fields.MediaSize = strconv.FormatInt(*m.Size, 10)
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding a flat struct of strings cannot fail
	_ = enc.Encode(fields)
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyGuard rejects inbound messages already persisted under the same
// channel id or fingerprint.
type IdempotencyGuard struct{}

// Seen reports whether the message was already stored.
func (IdempotencyGuard) Seen(ctx context.Context, messages repository.MessageRepository, waMessageID *string, fingerprint string) (bool, error) {
	if waMessageID != nil && *waMessageID != "" {
		exists, err := messages.ExistsByWaMessageID(ctx, *waMessageID)
		if err != nil || exists {
			return exists, err
		}
	}
	if fingerprint == "" {
		return false, nil
	}
	return messages.ExistsByFingerprint(ctx, fingerprint)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
