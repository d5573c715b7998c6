package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"evolution-crm-bridge/config"
	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/db"
	"evolution-crm-bridge/internal/events"
	"evolution-crm-bridge/internal/idempotency"
	"evolution-crm-bridge/internal/media"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/normalizer"
	"evolution-crm-bridge/internal/qr"
	"evolution-crm-bridge/internal/realtime"
	"evolution-crm-bridge/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) named(name string) []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []realtime.Event
	for _, ev := range p.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type fakeArchiver struct {
	mu      sync.Mutex
	uploads []media.Upload
	err     error
}

func (f *fakeArchiver) Archive(_ context.Context, in media.Upload) (*media.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.uploads = append(f.uploads, in)
	return &media.Object{Key: "k/" + in.MessageID, PublicURL: "https://cdn/k/" + in.MessageID, Size: len(in.Data)}, nil
}

type fixture struct {
	store     *store.Store
	publisher *recordingPublisher
	instances *InstanceService
	resolver  *Resolver
	ingestor  *Ingestor
}

func newFixture(t *testing.T, archiver MediaArchiver) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := store.New(conn, 0)
	if err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{}
	instances, err := NewInstanceService(st, pub, qr.NewRenderer(false, nil))
	if err != nil {
		t.Fatal(err)
	}
	guard, err := idempotency.NewGuard(st, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	resolver, err := NewResolver(st, ResolverConfig{
		Channel:        "whatsapp",
		DefaultRouting: Routing{DepartmentID: "dep-default", DepartmentName: "Default"},
	})
	if err != nil {
		t.Fatal(err)
	}
	writer, err := NewWriter(st)
	if err != nil {
		t.Fatal(err)
	}
	ing, err := NewIngestor(IngestorDeps{
		Store:     st,
		Instances: instances,
		Guard:     guard,
		Resolver:  resolver,
		Writer:    writer,
		Publisher: pub,
		Archiver:  archiver,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: st, publisher: pub, instances: instances, resolver: resolver, ingestor: ing}
}

const anaMessage = `{
	"key": {"remoteJid": "5511999999999@s.whatsapp.net", "fromMe": false, "id": "M1"},
	"pushName": "Ana",
	"messageTimestamp": 1700000000,
	"message": {"conversation": "Hello"}
}`

func TestProcessAcmeScenario(t *testing.T) {
	cases := []struct {
		name string
		data string
		text string
	}{
		{"object delivery", anaMessage, "Hello"},
		{"array delivery", `[{"key":{"remoteJid":"5511999999999@x","fromMe":false,"id":"M1"},"messageTimestamp":1700000000,"pushName":"Ana","message":{"conversation":"hi"}}]`, "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assertAcmeScenario(t, tc.data, tc.text)
		})
	}
}

func assertAcmeScenario(t *testing.T, data, text string) {
	t.Helper()
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(data))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
	}
	if got := outcomes[0].Processed + outcomes[1].Processed; got != 1 {
		t.Fatalf("processed = %d, want exactly 1", got)
	}
	if got := outcomes[0].Duplicates + outcomes[1].Duplicates; got != 1 {
		t.Fatalf("duplicates = %d, want 1", got)
	}

	customer, err := f.store.GetCustomerByIdentity(ctx, "5511999999999")
	if err != nil {
		t.Fatal(err)
	}
	if customer.DisplayName != "Ana" || customer.NameIsPlaceholder {
		t.Fatalf("customer = %+v", customer)
	}
	ticket, err := f.store.FindActiveTicket(ctx, customer.ID, "whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if ticket.UnreadCount != 1 || ticket.DepartmentName != "Default" || ticket.Status != models.TicketOpen {
		t.Fatalf("ticket = %+v", ticket)
	}
	msgs, err := f.store.ListTicketMessages(ctx, ticket.ID, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %d, %v", len(msgs), err)
	}
	if msgs[0].Kind != "text" || msgs[0].DisplayText != text || msgs[0].ExternalID != "M1" || msgs[0].Direction != models.DirectionInbound {
		t.Fatalf("message = %+v", msgs[0])
	}

	newMsgs := f.publisher.named(realtime.EventNewMessage)
	if len(newMsgs) != 1 || newMsgs[0].Room != realtime.TicketRoom(ticket.ID) {
		t.Fatalf("new-message events = %+v", newMsgs)
	}
	updates := f.publisher.named(realtime.EventTicketUpdated)
	if len(updates) != 1 || updates[0].Room != realtime.InstanceRoom("acme") {
		t.Fatalf("ticket-updated events = %+v", updates)
	}

	inst, err := f.store.GetInstance(ctx, "acme")
	if err != nil || inst.CreatedVia != CreatedViaWebhook {
		t.Fatalf("instance = %+v, %v", inst, err)
	}
}

func TestConcurrentFirstContactDifferentMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 6
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := `{"key":{"remoteJid":"5511888@s.whatsapp.net","id":"C` + string(rune('a'+i)) + `"},"pushName":"Bia","message":{"conversation":"hi"}}`
			if _, err := f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(payload)); err != nil {
				t.Errorf("Process: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if n, _ := f.store.CountCustomers(ctx, "5511888"); n != 1 {
		t.Fatalf("customers = %d, want 1", n)
	}
	customer, err := f.store.GetCustomerByIdentity(ctx, "5511888")
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := f.store.CountActiveTickets(ctx, customer.ID, "whatsapp"); n != 1 {
		t.Fatalf("active tickets = %d, want 1", n)
	}
	ticket, _ := f.store.FindActiveTicket(ctx, customer.ID, "whatsapp")
	if ticket.UnreadCount != n {
		t.Fatalf("unread = %d, want %d", ticket.UnreadCount, n)
	}
}

func TestOutboundMessageKeepsNameAndUnread(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(anaMessage)); err != nil {
		t.Fatal(err)
	}
	echo := `{"key":{"remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"id":"OUT1"},"pushName":"Agent Bob","status":"SERVER_ACK","message":{"conversation":"Hi Ana"}}`
	out, err := f.ingestor.Process(ctx, events.SendMessage, "acme", json.RawMessage(echo))
	if err != nil || out.Processed != 1 {
		t.Fatalf("Process = %+v, %v", out, err)
	}

	customer, _ := f.store.GetCustomerByIdentity(ctx, "5511999999999")
	if customer.DisplayName != "Ana" {
		t.Fatalf("outbound pushName renamed customer to %q", customer.DisplayName)
	}
	ticket, _ := f.store.FindActiveTicket(ctx, customer.ID, "whatsapp")
	if ticket.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", ticket.UnreadCount)
	}
	msg, err := f.store.GetMessage(ctx, "acme", "OUT1")
	if err != nil || msg.Direction != models.DirectionOutbound || msg.AckStatus != "SERVER_ACK" {
		t.Fatalf("outbound message = %+v, %v", msg, err)
	}
}

func TestPlaceholderNameUpgradedLater(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	first := `{"key":{"remoteJid":"5511777@s.whatsapp.net","id":"P1"},"message":{"conversation":"hi"}}`
	if _, err := f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(first)); err != nil {
		t.Fatal(err)
	}
	c, _ := f.store.GetCustomerByIdentity(ctx, "5511777")
	if !c.NameIsPlaceholder || c.DisplayName != "5511777" {
		t.Fatalf("customer = %+v", c)
	}

	contact := `[{"remoteJid":"5511777@s.whatsapp.net","pushName":"Carla"}]`
	if _, err := f.ingestor.Process(ctx, events.ContactsUpsert, "acme", json.RawMessage(contact)); err != nil {
		t.Fatal(err)
	}
	c, _ = f.store.GetCustomerByIdentity(ctx, "5511777")
	if c.NameIsPlaceholder || c.DisplayName != "Carla" {
		t.Fatalf("customer after contact event = %+v", c)
	}
	if got := f.publisher.named("contacts-upsert"); len(got) != 1 {
		t.Fatalf("contacts-upsert events = %d", len(got))
	}
}

func TestStatusBroadcastAndMalformedItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	batch := `[
		{"key":{"remoteJid":"status@broadcast","id":"S1"},"message":{"conversation":"story"}},
		{"key":{"id":"broken"}},
		{"key":{"remoteJid":"5511666@s.whatsapp.net","id":"G1"},"message":{"conversation":"ok"}}
	]`
	out, err := f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(batch))
	if err != nil {
		t.Fatal(err)
	}
	if out.Processed != 1 || out.Skipped != 2 {
		t.Fatalf("outcome = %+v", out)
	}

	_, err = f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(`[{"key":{}}]`))
	if !apperrors.Is(err, apperrors.TextValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	for _, kind := range []events.Kind{events.MessagesUpsert, events.SendMessage} {
		for _, data := range []string{``, `null`} {
			out, err := f.ingestor.Process(ctx, kind, "acme", json.RawMessage(data))
			if !apperrors.Is(err, apperrors.TextValidation) || out.Processed != 0 {
				t.Fatalf("%s with data %q: outcome = %+v, err = %v", kind, data, out, err)
			}
		}
	}
}

func TestAckAndDeleteEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(anaMessage)); err != nil {
		t.Fatal(err)
	}
	out, err := f.ingestor.Process(ctx, events.MessagesUpdate, "acme", json.RawMessage(`{"keyId":"M1","remoteJid":"5511999999999@s.whatsapp.net","status":"READ"}`))
	if err != nil || out.Processed != 1 {
		t.Fatalf("update = %+v, %v", out, err)
	}
	msg, _ := f.store.GetMessage(ctx, "acme", "M1")
	if msg.AckStatus != "READ" {
		t.Fatalf("ack = %q", msg.AckStatus)
	}
	if got := f.publisher.named(realtime.EventMessageStatus); len(got) != 1 || got[0].Room != realtime.TicketRoom(msg.TicketID) {
		t.Fatalf("message-status events = %+v", got)
	}

	out, err = f.ingestor.Process(ctx, events.MessagesUpdate, "acme", json.RawMessage(`{"keyId":"nope","status":"READ"}`))
	if err != nil || out.Skipped != 1 {
		t.Fatalf("unknown ack = %+v, %v", out, err)
	}

	out, err = f.ingestor.Process(ctx, events.MessagesDelete, "acme", json.RawMessage(`{"id":"M1","remoteJid":"5511999999999@s.whatsapp.net"}`))
	if err != nil || out.Processed != 1 {
		t.Fatalf("delete = %+v, %v", out, err)
	}
	if got := f.publisher.named(realtime.EventMessageDeleted); len(got) != 1 {
		t.Fatalf("message-deleted events = %d", len(got))
	}
	if _, err := f.store.GetMessage(ctx, "acme", "M1"); err != nil {
		t.Fatalf("deleted message row should remain: %v", err)
	}
}

func TestInstanceLifecycleEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.ingestor.Process(ctx, events.ApplicationStartup, "acme", nil); err != nil {
		t.Fatal(err)
	}
	inst, _ := f.store.GetInstance(ctx, "acme")
	if inst.State != models.InstanceConnecting {
		t.Fatalf("state after startup = %s", inst.State)
	}

	if _, err := f.ingestor.Process(ctx, events.QRCodeUpdated, "acme", json.RawMessage(`{"qrcode":{"code":"2@abc","pairingCode":"WXYZ1234"}}`)); err != nil {
		t.Fatal(err)
	}
	inst, _ = f.store.GetInstance(ctx, "acme")
	if inst.PairingCode != "WXYZ1234" || !bytes.HasPrefix([]byte(inst.QRCode), []byte("data:image/png")) {
		t.Fatalf("qr not stored: %+v", inst)
	}

	data := `{"instance":"acme","state":"open","wuid":"5511000@s.whatsapp.net","profileName":"Acme Support"}`
	if _, err := f.ingestor.Process(ctx, events.ConnectionUpdate, "acme", json.RawMessage(data)); err != nil {
		t.Fatal(err)
	}
	inst, _ = f.store.GetInstance(ctx, "acme")
	if inst.State != models.InstanceConnected || inst.OwnerJID != "5511000@s.whatsapp.net" || inst.ProfileName != "Acme Support" {
		t.Fatalf("instance = %+v", inst)
	}
	for _, name := range []string{realtime.EventInstanceStartup, realtime.EventQRUpdated, realtime.EventConnectionUpdate} {
		got := f.publisher.named(name)
		if len(got) != 1 || got[0].Room != realtime.InstanceRoom("acme") {
			t.Errorf("%s events = %+v", name, got)
		}
	}

	_, err := f.ingestor.Process(ctx, events.ConnectionUpdate, "acme", json.RawMessage(`{"wuid":"x"}`))
	if !apperrors.Is(err, apperrors.TextValidation) {
		t.Fatalf("expected validation error for missing state, got %v", err)
	}
}

func TestEveryKindHasHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	payloads := map[events.Kind]string{
		events.MessagesUpsert:   anaMessage,
		events.SendMessage:      `{"key":{"remoteJid":"5511999999999@s.whatsapp.net","fromMe":true,"id":"S1"},"message":{"conversation":"x"}}`,
		events.MessagesUpdate:   `{"keyId":"M1","status":"DELIVERY_ACK"}`,
		events.MessagesDelete:   `{"id":"M1"}`,
		events.ConnectionUpdate: `{"state":"close"}`,
		events.QRCodeUpdated:    `{"qrcode":{"base64":"data:image/png;base64,AAAA"}}`,
	}
	for _, kind := range events.All() {
		data, ok := payloads[kind]
		if !ok {
			data = `{"id":"x"}`
		}
		if _, err := f.ingestor.Process(ctx, kind, "acme", json.RawMessage(data)); err != nil {
			t.Errorf("%s: %v", kind, err)
		}
	}

	if _, err := f.ingestor.Process(ctx, events.Kind(0), "acme", nil); !apperrors.Is(err, apperrors.TextUnknownEvent) {
		t.Fatalf("expected unknown event error, got %v", err)
	}
}

func TestInboundMediaArchived(t *testing.T) {
	t.Parallel()
	archiver := &fakeArchiver{}
	f := newFixture(t, archiver)
	ctx := context.Background()

	img := `{"key":{"remoteJid":"5511555@s.whatsapp.net","id":"IMG1"},"message":{"imageMessage":{"mimetype":"image/jpeg","caption":"look"},"base64":"aGVsbG8="}}`
	if _, err := f.ingestor.Process(ctx, events.MessagesUpsert, "acme", json.RawMessage(img)); err != nil {
		t.Fatal(err)
	}
	if len(archiver.uploads) != 1 || string(archiver.uploads[0].Data) != "hello" || archiver.uploads[0].MimeType != "image/jpeg" {
		t.Fatalf("uploads = %+v", archiver.uploads)
	}
	msg, _ := f.store.GetMessage(ctx, "acme", "IMG1")
	var ref normalizer.MediaRef
	if err := json.Unmarshal([]byte(msg.Media), &ref); err != nil {
		t.Fatal(err)
	}
	if ref.StorageKey != "k/IMG1" || ref.PublicURL != "https://cdn/k/IMG1" {
		t.Fatalf("media ref = %+v", ref)
	}
}

func TestArchiveFailureDoesNotFailIngestion(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &fakeArchiver{err: errors.New("s3 down")})
	img := `{"key":{"remoteJid":"5511555@s.whatsapp.net","id":"IMG2"},"message":{"imageMessage":{"mimetype":"image/png"},"base64":"aGVsbG8="}}`
	out, err := f.ingestor.Process(context.Background(), events.MessagesUpsert, "acme", json.RawMessage(img))
	if err != nil || out.Processed != 1 {
		t.Fatalf("Process = %+v, %v", out, err)
	}
}

func TestProvisionedRoutingUsedForNewTickets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	err := f.instances.Provision(ctx, []config.InstanceSpec{{
		Name: "sales", DepartmentID: "dep-sales", DepartmentName: "Sales", Events: []string{"MESSAGES_UPSERT"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.ingestor.Process(ctx, events.MessagesUpsert, "sales", json.RawMessage(anaMessage)); err != nil {
		t.Fatal(err)
	}
	c, _ := f.store.GetCustomerByIdentity(ctx, "5511999999999")
	ticket, err := f.store.FindActiveTicket(ctx, c.ID, "whatsapp")
	if err != nil || ticket.DepartmentID != "dep-sales" || ticket.InstanceName != "sales" {
		t.Fatalf("ticket = %+v, %v", ticket, err)
	}
	inst, _ := f.store.GetInstance(ctx, "sales")
	if inst.CreatedVia != CreatedViaProvisioning {
		t.Fatalf("created via = %q", inst.CreatedVia)
	}
}

func TestReplayProcessesEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	out, err := f.ingestor.Replay(context.Background(), models.QueueEnvelope{
		ID: "env-1", EventKind: events.MessagesUpsert, InstanceName: "acme", Data: json.RawMessage(anaMessage),
	})
	if err != nil || out.Processed != 1 {
		t.Fatalf("Replay = %+v, %v", out, err)
	}
}
