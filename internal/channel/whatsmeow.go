package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// WhatsmeowTransport implements Transport on a whatsmeow client backed by a
// sqlstore device container.
type WhatsmeowTransport struct {
	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	waLog     waLog.Logger
	logger    *zap.Logger
	sink      func(Event)
	qrCancel  context.CancelFunc
}

// NewWhatsmeowTransport loads the first stored device, or a fresh one when
// the store is empty.
func NewWhatsmeowTransport(ctx context.Context, container *sqlstore.Container, logger *zap.Logger) (*WhatsmeowTransport, error) {
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	t := &WhatsmeowTransport{
		container: container,
		waLog:     NewWaLogger(logger, "whatsmeow"),
		logger:    logger.Named("transport"),
	}
	t.client = t.newClient(device)
	return t, nil
}

func (t *WhatsmeowTransport) newClient(device *store.Device) *whatsmeow.Client {
	client := whatsmeow.NewClient(device, t.waLog)
	// Reconnects are owned by Session.
	client.EnableAutoReconnect = false
	client.AddEventHandler(t.handle)
	return client
}

// SetEventSink registers the receiver of translated events.
func (t *WhatsmeowTransport) SetEventSink(sink func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

func (t *WhatsmeowTransport) emit(ev Event) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (t *WhatsmeowTransport) current() *whatsmeow.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// Connect opens the socket. An unpaired device starts streaming pairing codes.
func (t *WhatsmeowTransport) Connect(ctx context.Context) error {
	client := t.current()
	if client.IsConnected() {
		return nil
	}
	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil && !errors.Is(err, whatsmeow.ErrQRStoreContainsID) {
			cancel()
			return fmt.Errorf("pairing channel: %w", err)
		}
		t.mu.Lock()
		if t.qrCancel != nil {
			t.qrCancel()
		}
		t.qrCancel = cancel
		t.mu.Unlock()
		if qrChan != nil {
			go t.watchPairing(qrChan)
		}
	}
	return client.Connect()
}

func (t *WhatsmeowTransport) watchPairing(items <-chan whatsmeow.QRChannelItem) {
	for item := range items {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			t.emit(PairingCode{Code: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			t.logger.Info("device paired")
		case whatsmeow.QRChannelTimeout.Event:
			t.emit(Disconnected{Reason: "pairing_timeout"})
		default:
			t.logger.Warn("pairing channel event", zap.String("event", item.Event), zap.Error(item.Error))
		}
	}
}

// Disconnect closes the socket without touching credentials.
func (t *WhatsmeowTransport) Disconnect() {
	t.mu.Lock()
	if t.qrCancel != nil {
		t.qrCancel()
		t.qrCancel = nil
	}
	client := t.client
	t.mu.Unlock()
	client.Disconnect()
}

// Logout unlinks the device on the network.
func (t *WhatsmeowTransport) Logout(ctx context.Context) error {
	client := t.current()
	if client.Store.ID == nil {
		return nil
	}
	return client.Logout(ctx)
}

// ClearCredentials deletes the stored device and starts over with a blank one.
func (t *WhatsmeowTransport) ClearCredentials(ctx context.Context) error {
	client := t.current()
	client.Disconnect()
	if client.Store.ID != nil {
		if err := client.Store.Delete(ctx); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	fresh := t.newClient(t.container.NewDevice())
	t.mu.Lock()
	t.client = fresh
	t.mu.Unlock()
	return nil
}

// Send builds the protobuf message, uploading media first when needed.
func (t *WhatsmeowTransport) Send(ctx context.Context, to string, msg OutboundMessage) (SendResult, error) {
	client := t.current()
	if !client.IsConnected() {
		return SendResult{}, ErrNotConnected
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return SendResult{}, fmt.Errorf("parse recipient: %w", err)
	}
	content, err := t.buildMessage(ctx, client, msg)
	if err != nil {
		return SendResult{}, err
	}
	resp, err := client.SendMessage(ctx, jid, content)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (t *WhatsmeowTransport) buildMessage(ctx context.Context, client *whatsmeow.Client, msg OutboundMessage) (*waE2E.Message, error) {
	quote := contextInfo(msg.Reply)
	if msg.Type == "text" || msg.Type == "" {
		if quote == nil {
			return &waE2E.Message{Conversation: proto.String(msg.Text)}, nil
		}
		return &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text:        proto.String(msg.Text),
			ContextInfo: quote,
		}}, nil
	}

	mediaType, err := uploadKind(msg.Type)
	if err != nil {
		return nil, err
	}
	up, err := client.Upload(ctx, msg.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	caption := optional(msg.Caption)
	mime := optional(msg.Mime)
	length := proto.Uint64(up.FileLength)

	switch msg.Type {
	case "image":
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: length,
			Mimetype: mime, Caption: caption, ContextInfo: quote,
		}}, nil
	case "video":
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: length,
			Mimetype: mime, Caption: caption, ContextInfo: quote,
		}}, nil
	case "audio":
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: length,
			Mimetype: mime, PTT: proto.Bool(false), ContextInfo: quote,
		}}, nil
	case "sticker":
		return &waE2E.Message{StickerMessage: &waE2E.StickerMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: length,
			Mimetype: mime, ContextInfo: quote,
		}}, nil
	default:
		name := msg.FileName
		if name == "" {
			name = "file"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath), MediaKey: up.MediaKey,
			FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256, FileLength: length,
			Mimetype: mime, Caption: caption, FileName: proto.String(name), Title: proto.String(name),
			ContextInfo: quote,
		}}, nil
	}
}

// Revoke sends a revoke for a message in chat. Own messages use an empty sender.
func (t *WhatsmeowTransport) Revoke(ctx context.Context, chat, messageID string, fromMe bool, participant string) error {
	client := t.current()
	if !client.IsConnected() {
		return ErrNotConnected
	}
	chatJID, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("parse chat: %w", err)
	}
	sender := types.EmptyJID
	if !fromMe {
		sender = chatJID
		if participant != "" {
			if sender, err = types.ParseJID(participant); err != nil {
				return fmt.Errorf("parse participant: %w", err)
			}
		}
	}
	_, err = client.SendMessage(ctx, chatJID, client.BuildRevoke(chatJID, sender, messageID))
	return err
}

// Download fetches and decrypts the media of msg.
func (t *WhatsmeowTransport) Download(ctx context.Context, msg *waE2E.Message) ([]byte, error) {
	return t.current().DownloadAny(ctx, msg)
}

// GroupSubject returns the group's name.
func (t *WhatsmeowTransport) GroupSubject(_ context.Context, jid string) (string, error) {
	parsed, err := types.ParseJID(jid)
	if err != nil {
		return "", err
	}
	info, err := t.current().GetGroupInfo(parsed)
	if err != nil {
		return "", err
	}
	return info.GroupName.Name, nil
}

func (t *WhatsmeowTransport) handle(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		t.emit(Connected{})
	case *events.Disconnected:
		t.emit(Disconnected{Reason: "connection_lost"})
	case *events.StreamReplaced:
		t.emit(Disconnected{Reason: "stream_replaced"})
	case *events.KeepAliveTimeout:
		t.logger.Warn("keepalive timeout", zap.Int("error_count", evt.ErrorCount))
	case *events.TemporaryBan:
		t.emit(Disconnected{Reason: "temporary_ban: " + evt.String()})
	case *events.ConnectFailure:
		reason := fmt.Sprint(evt.Reason)
		if evt.Reason.IsLoggedOut() {
			t.emit(LoggedOut{Reason: reason})
			return
		}
		t.emit(Disconnected{Reason: strings.TrimSpace(reason + " " + evt.Message)})
	case *events.LoggedOut:
		t.emit(LoggedOut{Reason: fmt.Sprint(evt.Reason)})
	case *events.Message:
		t.emit(MessageEvent{Message: rawMessage(evt)})
	case *events.Receipt:
		t.emit(ReceiptEvent{Receipt: rawReceipt(evt)})
	}
}

func rawMessage(evt *events.Message) RawMessage {
	info := evt.Info
	msg := RawMessage{
		ID:        info.ID,
		Chat:      info.Chat.String(),
		FromMe:    info.IsFromMe,
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		Message:   evt.Message,
	}
	if info.IsGroup {
		msg.Participant = info.Sender.ToNonAD().String()
		if !info.SenderAlt.IsEmpty() {
			msg.ParticipantAlt = info.SenderAlt.ToNonAD().String()
		}
		return msg
	}
	alt := info.SenderAlt
	if info.IsFromMe {
		alt = info.RecipientAlt
	}
	if !alt.IsEmpty() {
		msg.ChatAlt = alt.ToNonAD().String()
	}
	return msg
}

// rawReceipt marks receipts from peers as acknowledging our own messages.
// Receipts sent by our other devices acknowledge messages we received.
func rawReceipt(evt *events.Receipt) RawReceipt {
	status := string(evt.Type)
	if evt.Type == types.ReceiptTypeDelivered {
		status = "delivered"
	}
	return RawReceipt{
		Chat:       evt.Chat.String(),
		MessageIDs: append([]string(nil), evt.MessageIDs...),
		FromMe:     !evt.IsFromMe,
		Status:     status,
		Timestamp:  evt.Timestamp,
	}
}

func contextInfo(q *Quote) *waE2E.ContextInfo {
	if q == nil {
		return nil
	}
	info := &waE2E.ContextInfo{
		StanzaID:      proto.String(q.MessageID),
		QuotedMessage: &waE2E.Message{Conversation: proto.String(q.Text)},
	}
	if q.SenderID != "" {
		info.Participant = proto.String(q.SenderID)
	}
	return info
}

func uploadKind(msgType string) (whatsmeow.MediaType, error) {
	switch msgType {
	case "image", "sticker":
		return whatsmeow.MediaImage, nil
	case "video":
		return whatsmeow.MediaVideo, nil
	case "audio":
		return whatsmeow.MediaAudio, nil
	case "document":
		return whatsmeow.MediaDocument, nil
	}
	return "", fmt.Errorf("unsupported media type %q", msgType)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}
