package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/chartview/internal/domain/records"
	"github.com/ehr/chartview/internal/platform/websocket"
)

func para(id, label string) records.Paragraph {
	return records.Paragraph{ID: id, Label: label, Content: label + " text"}
}

func newTestRecords(t *testing.T) (*records.MemoryStore, *records.Service) {
	t.Helper()
	store := records.NewMemoryStore()
	svc := records.NewService(store.Patients(), store.Documents())
	ctx := context.Background()
	for _, p := range []*records.Patient{
		{ID: "patient-001", Name: "Michael Chen", Age: 45, MRN: "MRN-20241001"},
		{ID: "patient-002", Name: "Linda Alvarez", Age: 58, MRN: "MRN-20241002"},
	} {
		if err := store.Patients().Create(ctx, p); err != nil {
			t.Fatalf("create patient: %v", err)
		}
	}
	docs := []struct {
		patient string
		doc     *records.Document
	}{
		{"patient-001", &records.Document{ID: "doc-001", Title: "October Lipid Panel", Type: "lab_result",
			Paragraphs: []records.Paragraph{para("p3", "Lipid Panel Results"), para("p4", "Interpretation")}}},
		{"patient-001", &records.Document{ID: "doc-002", Title: "Dr. Smith Clinical Note", Type: "clinical_note",
			Paragraphs: []records.Paragraph{para("p3", "Vital Signs"), para("p4", "Assessment & Plan"), para("p5", "Medications Updated")}}},
		{"patient-001", &records.Document{ID: "doc-003", Title: "Echocardiogram Results", Type: "imaging",
			Paragraphs: []records.Paragraph{para("p3", "Findings"), para("p4", "Impression")}}},
		{"patient-002", &records.Document{ID: "doc-005", Title: "HbA1c Panel", Type: "lab_result",
			Paragraphs: []records.Paragraph{para("p1", "Patient Information"), para("p2", "Results")}}},
	}
	for _, d := range docs {
		if err := svc.AddDocument(ctx, d.patient, d.doc); err != nil {
			t.Fatalf("add document %s: %v", d.doc.ID, err)
		}
	}
	return store, svc
}

func secondPatientScript() *Script {
	return &Script{
		PatientID: "patient-002",
		Channel:   ChannelClinician,
		Rules:     []Rule{{Name: "glucose", Keywords: []string{"a1c", "glucose"}}},
		Replies: map[string]Reply{
			"glucose": {Content: "HbA1c is 7.4%.", Sources: []Source{{Label: "HbA1c Panel", DocumentID: "doc-005", ParagraphID: "p2"}}},
		},
		DefaultReply: Reply{Content: "Linda Alvarez is managed for type 2 diabetes."},
	}
}

type mockPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (m *mockPublisher) Publish(_ context.Context, ev websocket.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockPublisher) snapshot() []websocket.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]websocket.Event(nil), m.events...)
}

type testEnv struct {
	svc   *Service
	store *MemoryStore
	recs  *records.Service
	pub   *mockPublisher
}

func newTestEnv(t *testing.T, latency time.Duration, responder Responder) *testEnv {
	t.Helper()
	_, recs := newTestRecords(t)
	ctx := context.Background()
	scripts := NewScriptSet()
	for _, s := range []*Script{clinicianScript(), secondPatientScript(), {
		PatientID:    "patient-001",
		Channel:      ChannelPortal,
		DefaultReply: Reply{Content: "I can only answer questions based on your uploaded records."},
	}} {
		if err := scripts.Load(ctx, s, recs); err != nil {
			t.Fatalf("load script: %v", err)
		}
	}
	store := NewMemoryStore()
	seed := []*Message{
		{ID: "msg-1", Role: RoleUser, Content: "What are Michael's latest A1C levels?"},
		{ID: "msg-2", Role: RoleAssistant, Content: "I don't have any A1C results on file."},
	}
	if err := store.Seed(ctx, "patient-001", ChannelClinician, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pub := &mockPublisher{}
	svc := NewService(Options{
		Store:     store,
		Scripts:   scripts,
		Patients:  recs,
		Responder: responder,
		Publisher: pub,
		Latency:   latency,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(svc.Close)
	return &testEnv{svc: svc, store: store, recs: recs, pub: pub}
}

func waitReply(t *testing.T, p *Pending) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for reply: %v", err)
	}
	return msg
}

func TestSend_AppendsUserThenAssistant(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond, nil)
	ctx := context.Background()

	userMsg, pending, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "  Tell me about the echo  ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if userMsg.Content != "Tell me about the echo" || userMsg.Role != RoleUser {
		t.Errorf("unexpected user message %+v", userMsg)
	}

	// Before the latency elapses only the user message is in the log.
	hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != 3 {
		t.Fatalf("expected 3 messages before reply, got %d", len(hist))
	}
	if !env.svc.ReplyPending("patient-001", ChannelClinician) {
		t.Error("expected reply to be pending")
	}

	reply := waitReply(t, pending)
	if reply.Role != RoleAssistant || reply.Content != "Mild concentric LVH." {
		t.Errorf("unexpected reply %+v", reply)
	}
	if len(reply.Sources) != 1 || reply.Sources[0].DocumentID != "doc-003" {
		t.Errorf("unexpected sources %+v", reply.Sources)
	}
	hist, _ = env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != 4 || hist[3].ID != reply.ID {
		t.Fatalf("expected reply appended last, got %d messages", len(hist))
	}
	if env.svc.ReplyPending("patient-001", ChannelClinician) {
		t.Error("reply should no longer be pending")
	}
}

func TestSend_LatencyIsObserved(t *testing.T) {
	env := newTestEnv(t, 60*time.Millisecond, nil)
	start := time.Now()
	_, pending, err := env.svc.Send(context.Background(), "patient-001", ChannelClinician, "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitReply(t, pending)
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("reply arrived after %v, before the configured latency", elapsed)
	}
}

func TestSend_RejectsEmptyInput(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ctx := context.Background()
	for _, in := range []string{"", "   ", "\n\t"} {
		if _, _, err := env.svc.Send(ctx, "patient-001", ChannelClinician, in); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("Send(%q): expected ErrEmptyMessage, got %v", in, err)
		}
	}
	hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != 2 {
		t.Errorf("empty input must not be appended, got %d messages", len(hist))
	}
}

func TestSend_RejectsWhileReplyInFlight(t *testing.T) {
	env := newTestEnv(t, time.Hour, nil)
	ctx := context.Background()

	_, pending, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "echo?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, _, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "statin?"); !errors.Is(err, ErrReplyInFlight) {
		t.Fatalf("expected ErrReplyInFlight, got %v", err)
	}
	// Other conversations are not blocked.
	_, other, err := env.svc.Send(ctx, "patient-002", ChannelClinician, "a1c?")
	if err != nil {
		t.Fatalf("Send other patient: %v", err)
	}

	// Close cuts the latency short and still appends the replies.
	env.svc.Close()
	waitReply(t, pending)
	waitReply(t, other)

	hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != 4 {
		t.Errorf("expected 4 messages after close, got %d", len(hist))
	}
	if _, _, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "again"); !errors.Is(err, ErrServiceShutdown) {
		t.Errorf("expected ErrServiceShutdown after close, got %v", err)
	}
}

func TestSend_HistoryGrowsByTwoPerSend(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ctx := context.Background()
	seedLen := 2
	inputs := []string{"echo", "medications", "diagnosis", "anything else", "lv function", "statin"}

	for n, in := range inputs {
		_, pending, err := env.svc.Send(ctx, "patient-001", ChannelClinician, in)
		if err != nil {
			t.Fatalf("Send %d: %v", n, err)
		}
		waitReply(t, pending)
		hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
		if want := 2*(n+1) + seedLen; len(hist) != want {
			t.Fatalf("after %d sends expected %d messages, got %d", n+1, want, len(hist))
		}
	}

	hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if hist[0].ID != "msg-1" || hist[1].ID != "msg-2" {
		t.Error("seed messages must stay first")
	}
	for i := seedLen; i < len(hist); i += 2 {
		if hist[i].Role != RoleUser || hist[i+1].Role != RoleAssistant {
			t.Errorf("messages %d,%d not a user/assistant pair", i, i+1)
		}
	}
}

func TestSend_SameInputSameReply(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ctx := context.Background()
	var contents []string
	for i := 0; i < 3; i++ {
		_, pending, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "What about lisinopril?")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		contents = append(contents, waitReply(t, pending).Content)
	}
	for _, c := range contents {
		if c != "Lisinopril 20mg." {
			t.Errorf("unexpected reply %q", c)
		}
	}
}

func TestSend_UnknownPatientAndChannel(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ctx := context.Background()
	if _, _, err := env.svc.Send(ctx, "patient-404", ChannelClinician, "hi"); !errors.Is(err, records.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
	if _, _, err := env.svc.Send(ctx, "patient-001", "sms", "hi"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
	if _, _, err := env.svc.Send(ctx, "patient-002", ChannelPortal, "hi"); !errors.Is(err, ErrNoScript) {
		t.Errorf("expected ErrNoScript, got %v", err)
	}
}

func TestSend_PublishesTypingAndMessage(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	_, pending, err := env.svc.Send(context.Background(), "patient-001", ChannelPortal, "Is my LDL bad?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply := waitReply(t, pending)
	if reply.Content != "I can only answer questions based on your uploaded records." {
		t.Errorf("portal should use the fallback reply, got %q", reply.Content)
	}

	events := env.pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventTyping || events[1].Type != EventMessage {
		t.Errorf("unexpected event order %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Topic != "conversation/patient-001/portal" {
		t.Errorf("unexpected topic %s", events[1].Topic)
	}
}

type failingResponder struct{}

func (failingResponder) Respond(context.Context, *Script, string, []*Message) (Reply, error) {
	return Reply{}, fmt.Errorf("model unavailable")
}

func TestSend_ResponderErrorFallsBackToDefault(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, failingResponder{})
	_, pending, err := env.svc.Send(context.Background(), "patient-001", ChannelClinician, "echo")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := waitReply(t, pending).Content; got != "I've reviewed Michael Chen's records." {
		t.Errorf("expected default reply, got %q", got)
	}
}

func TestWorkspace_SwitchIsolatesConversations(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ctx := context.Background()
	ws := NewWorkspace(env.svc, env.recs, "patient-001")

	before, _ := env.svc.History(ctx, "patient-001", ChannelClinician)

	if err := ws.SetCurrentPatient(ctx, "dr-jenkins", "patient-002"); err != nil {
		t.Fatalf("SetCurrentPatient: %v", err)
	}
	pid, hist, err := ws.History(ctx, "dr-jenkins")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if pid != "patient-002" || len(hist) != 0 {
		t.Fatalf("expected empty log for patient-002, got %s with %d", pid, len(hist))
	}

	_, pending, err := ws.Send(ctx, "dr-jenkins", "What is her A1C?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := waitReply(t, pending).Content; got != "HbA1c is 7.4%." {
		t.Errorf("expected patient-002 script, got %q", got)
	}

	after, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(after) != len(before) {
		t.Errorf("patient-001 log changed from %d to %d", len(before), len(after))
	}

	// Other users keep the default patient.
	if got := ws.CurrentPatient("dr-other"); got != "patient-001" {
		t.Errorf("expected default patient for other user, got %s", got)
	}
}

func TestWorkspace_UnknownPatientLeavesStateUnchanged(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ws := NewWorkspace(env.svc, env.recs, "patient-001")
	ctx := context.Background()

	if err := ws.SetCurrentPatient(ctx, "dr", "patient-002"); err != nil {
		t.Fatalf("SetCurrentPatient: %v", err)
	}
	if err := ws.SetCurrentPatient(ctx, "dr", "patient-999"); !errors.Is(err, records.ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
	if got := ws.CurrentPatient("dr"); got != "patient-002" {
		t.Errorf("expected patient-002 to remain current, got %s", got)
	}
}

func TestMemoryStore_HistoryIsACopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Append(ctx, &Message{ID: "m1", PatientID: "p", Channel: ChannelPortal, Content: "hi"})
	hist, _ := store.History(ctx, "p", ChannelPortal)
	hist[0].Content = "changed"
	again, _ := store.History(ctx, "p", ChannelPortal)
	if again[0].Content != "hi" {
		t.Error("history leaked internal state")
	}
}

func TestReset_DiscardsPendingReply(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond, nil)
	ctx := context.Background()
	seed, _ := env.svc.History(ctx, "patient-001", ChannelClinician)

	_, pending, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "echo?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := env.svc.Reset(ctx, "patient-001", ChannelClinician, seed); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if env.svc.ReplyPending("patient-001", ChannelClinician) {
		t.Error("reset should drop the pending reply")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := pending.Wait(waitCtx); !errors.Is(err, ErrConversationReset) {
		t.Fatalf("expected ErrConversationReset, got %v", err)
	}
	// Give a late delivery the chance to land if it were going to.
	time.Sleep(150 * time.Millisecond)
	hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != len(seed) {
		t.Fatalf("expected %d seeded messages after reset, got %d", len(seed), len(hist))
	}
	for i := range seed {
		if hist[i].ID != seed[i].ID {
			t.Errorf("message %d: got %s, want %s", i, hist[i].ID, seed[i].ID)
		}
	}

	_, next, err := env.svc.Send(ctx, "patient-001", ChannelClinician, "echo?")
	if err != nil {
		t.Fatalf("Send after reset: %v", err)
	}
	waitReply(t, next)
	hist, _ = env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != len(seed)+2 {
		t.Errorf("expected %d messages after one send, got %d", len(seed)+2, len(hist))
	}
}

func TestReset_NilClearsConversation(t *testing.T) {
	env := newTestEnv(t, time.Millisecond, nil)
	ctx := context.Background()
	if err := env.svc.Reset(ctx, "patient-001", ChannelClinician, nil); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	hist, _ := env.svc.History(ctx, "patient-001", ChannelClinician)
	if len(hist) != 0 {
		t.Errorf("expected empty history, got %d messages", len(hist))
	}
	if err := env.svc.Reset(ctx, "patient-001", "fax", nil); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", err)
	}
}
