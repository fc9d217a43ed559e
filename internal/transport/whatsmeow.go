package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	// Pure-Go SQLite driver backing the whatsmeow credential datastore.
	// No CGO keeps cross-compilation and testing easy.
	_ "modernc.org/sqlite"
)

// Options configures the whatsmeow-backed transport.
type Options struct {
	// DatabasePath is the sqlite file holding the device credentials.
	// It lives inside the session credential directory so that purging
	// the directory fully resets the pairing.
	DatabasePath string

	// ClientName is the device name shown in the phone's linked devices
	// list. Defaults to "ZapBridge".
	ClientName string

	// LogLevel is the whatsmeow client log level (DEBUG, INFO, WARN,
	// ERROR). Defaults to ERROR to keep protocol noise out of the logs.
	LogLevel string
}

// WhatsApp is the Transport implementation backed by go.mau.fi/whatsmeow.
type WhatsApp struct {
	databasePath string
	clientLog    waLog.Logger
	dbLog        waLog.Logger
}

// credentialSnapshot is the opaque blob emitted on credential updates.
// The authoritative secrets live in the sqlite datastore; this snapshot
// records the linked identity for diagnostics and restart bookkeeping.
type credentialSnapshot struct {
	JID      string    `json:"jid"`
	Platform string    `json:"platform,omitempty"`
	PairedAt time.Time `json:"paired_at"`
}

// NewWhatsApp prepares device metadata and transport logging.
func NewWhatsApp(opts Options) *WhatsApp {
	name := opts.ClientName
	if name == "" {
		name = "ZapBridge"
	}
	level := opts.LogLevel
	if level == "" {
		level = "ERROR"
	}

	// Device properties are registered once per process. The network shows
	// these in the phone's linked-devices list.
	store.DeviceProps.Os = proto.String(name)
	store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	return &WhatsApp{
		databasePath: opts.DatabasePath,
		clientLog:    waLog.Stdout("transport/client", level, true),
		dbLog:        waLog.Stdout("transport/db", level, true),
	}
}

// Dial creates a fresh connection handle bound to the stored credentials.
// The credential datastore is opened per handle and closed with it, so a
// purge of the credential directory between connections takes full effect:
// the next dial starts from an empty datastore and Connect raises the QR
// pairing flow.
func (w *WhatsApp) Dial(ctx context.Context) (Conn, error) {
	dsn := "file:" + w.databasePath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, w.dbLog)
	if err != nil {
		return nil, fmt.Errorf("open credential datastore: %w", err)
	}
	if err := container.Upgrade(ctx); err != nil {
		container.Close()
		return nil, fmt.Errorf("upgrade credential datastore: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device credentials: %w", err)
	}

	client := whatsmeow.NewClient(device, w.clientLog)
	// The lifecycle manager owns reconnection; the client must not race it.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	return &waConn{client: client, container: container}, nil
}

// waConn adapts a whatsmeow client to the Conn interface.
type waConn struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
}

func (c *waConn) Subscribe(h Handler) {
	c.client.AddEventHandler(func(evt interface{}) {
		c.translate(h, evt)
	})
}

func (c *waConn) Unsubscribe() {
	c.client.RemoveEventHandlers()
}

func (c *waConn) Connect() error {
	return c.client.Connect()
}

// translate maps whatsmeow events onto the internal event enum. Events the
// lifecycle manager does not act on are logged and dropped here.
func (c *waConn) translate(h Handler, evt interface{}) {
	switch e := evt.(type) {
	case *events.QR:
		if len(e.Codes) > 0 {
			h(Event{Kind: EventPairingChallenge, Challenge: e.Codes[0]})
		}
	case *events.PairSuccess:
		h(Event{Kind: EventCredentialsUpdated, Credentials: c.snapshot(e.ID, e.Platform)})
	case *events.Connected:
		// Re-persist the identity snapshot on every open so the blob
		// exists even after a pairing-free reconnect.
		if id := c.client.Store.ID; id != nil {
			h(Event{Kind: EventCredentialsUpdated, Credentials: c.snapshot(*id, "")})
		}
		h(Event{Kind: EventConnectionOpened})
	case *events.LoggedOut:
		h(Event{Kind: EventConnectionClosed, Reason: ReasonLoggedOut})
	case *events.StreamReplaced:
		h(Event{Kind: EventConnectionClosed, Reason: ReasonStreamReplaced})
	case *events.ClientOutdated:
		h(Event{Kind: EventConnectionClosed, Reason: ReasonMethodNotAllowed})
	case *events.ConnectFailure:
		log.Printf("transport: connect failure reason=%d message=%s", int(e.Reason), e.Message)
		h(Event{Kind: EventConnectionClosed, Reason: CloseReason(int(e.Reason))})
	case *events.Disconnected:
		h(Event{Kind: EventConnectionClosed, Reason: ReasonUnknown})
	case *events.TemporaryBan:
		log.Printf("transport: temporary ban code=%v expires=%v", e.Code, e.Expire)
	case *events.KeepAliveTimeout:
		log.Printf("transport: keepalive timeout errors=%d lastSuccess=%s",
			e.ErrorCount, e.LastSuccess.Format(time.RFC3339))
	}
}

func (c *waConn) snapshot(jid types.JID, platform string) []byte {
	blob, err := json.Marshal(credentialSnapshot{
		JID:      jid.String(),
		Platform: platform,
		PairedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil
	}
	return blob
}

func (c *waConn) Send(ctx context.Context, msg Message) (Receipt, error) {
	jid, err := types.ParseJID(msg.To)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse destination %q: %w", msg.To, err)
	}

	content := &waE2E.Message{
		Conversation: proto.String(msg.Body),
	}

	if msg.EditTargetID != "" {
		// Edit-in-place of a previously sent (self-authored) message.
		resp, err := c.client.SendMessage(ctx, jid, c.client.BuildEdit(jid, msg.EditTargetID, content))
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{ID: msg.EditTargetID, Timestamp: resp.Timestamp}, nil
	}

	extra := whatsmeow.SendRequestExtra{ID: c.client.GenerateMessageID()}
	resp, err := c.client.SendMessage(ctx, jid, content, extra)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{ID: string(extra.ID), Timestamp: resp.Timestamp}, nil
}

func (c *waConn) Presence(ctx context.Context, to string, typing bool) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse destination %q: %w", to, err)
	}

	state := types.ChatPresencePaused
	if typing {
		state = types.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, jid, state, types.ChatPresenceMediaText)
}

func (c *waConn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *waConn) Close() {
	c.client.Disconnect()
	if err := c.container.Close(); err != nil {
		log.Printf("transport: close credential datastore: %v", err)
	}
}
