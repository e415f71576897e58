package service

import (
	"context"
	"testing"

	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/webhook"
)

func TestFingerprintStableAndContentSensitive(t *testing.T) {
	base := webhook.MessageData{
		FromWaID:    "5511999@s.whatsapp.net",
		Type:        "text",
		Text:        ptr("hello"),
		WaTimestamp: "2024-03-01T10:00:00Z",
	}
	same := base
	same.WaMessageID = ptr("ignored-by-fingerprint")
	if Fingerprint(base) != Fingerprint(same) {
		t.Fatal("fingerprint must not depend on the channel id")
	}
	if len(Fingerprint(base)) != 64 {
		t.Fatalf("expected hex sha256, got %q", Fingerprint(base))
	}

	changed := base
	changed.Text = ptr("hello!")
	if Fingerprint(base) == Fingerprint(changed) {
		t.Fatal("text change must change the fingerprint")
	}
	withMedia := base
	withMedia.Media = &webhook.MediaData{Mime: ptr("image/png"), Size: ptr(int64(10))}
	if Fingerprint(base) == Fingerprint(withMedia) {
		t.Fatal("media must change the fingerprint")
	}
}

func TestIdempotencyGuardSeen(t *testing.T) {
	store := newMemStore()
	store.addMessage(domain.Message{ConversationID: "c1", WaMessageID: ptr("W1"), InboundFingerprint: ptr("fp1")})
	messages := store.Repos().Messages
	ctx := context.Background()

	var guard IdempotencyGuard
	cases := []struct {
		name string
		waID *string
		fp   string
		want bool
	}{
		{"known channel id", ptr("W1"), "other", true},
		{"known fingerprint", ptr("W2"), "fp1", true},
		{"no channel id", nil, "fp1", true},
		{"new message", ptr("W2"), "fp2", false},
		{"nothing to match", nil, "", false},
	}
	for _, tc := range cases {
		got, err := guard.Seen(ctx, messages, tc.waID, tc.fp)
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %v %v want %v", tc.name, got, err, tc.want)
		}
	}
}
