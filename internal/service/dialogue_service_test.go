package service

import (
	"context"
	"errors"
	"morpho-bot/internal/model"
	"morpho-bot/internal/repository"
	"morpho-bot/pkg/events"
	"morpho-bot/pkg/llm"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type memoryDialogueRepo struct {
	mu        sync.Mutex
	records   map[int64]model.DialogueRecord
	writes    int
	upsertErr error
	findErr   error
}

func newMemoryDialogueRepo() *memoryDialogueRepo {
	return &memoryDialogueRepo{records: make(map[int64]model.DialogueRecord)}
}

func (r *memoryDialogueRepo) Find(_ context.Context, userID int64) (*model.DialogueRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	rec, ok := r.records[userID]
	if !ok {
		return nil, repository.ErrDialogueNotFound
	}
	return &rec, nil
}

func (r *memoryDialogueRepo) Upsert(_ context.Context, record *model.DialogueRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.writes++
	r.records[record.UserID] = *record
	return nil
}

func (r *memoryDialogueRepo) Delete(_ context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, userID)
	return nil
}

func (r *memoryDialogueRepo) List(_ context.Context) ([]model.DialogueRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.DialogueRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

type fakeLLM struct {
	mu      sync.Mutex
	reply   func(prompt string) (string, error)
	prompts []string
	last    llm.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.last = req
	reply := f.reply
	f.mu.Unlock()
	text, err := reply(req.Prompt)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	events  []events.TurnEvent
	err     error
	release chan struct{} // 非 nil 时 Publish 阻塞到它被关闭
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.TurnEvent) error {
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

// waitFor 等待至少 n 个事件被发布，返回当时的事件快照。
func (p *recordingPublisher) waitFor(t *testing.T, n int) []events.TurnEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		got := append([]events.TurnEvent(nil), p.events...)
		p.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d published events, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func constantReply(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func newTestService(repo repository.DialogueRepository, client llm.Client, pub EventPublisher) DialogueService {
	return NewDialogueService(repo, client, pub, nil, DialogueOptions{MaxChars: 1000, MaxTokens: 1024, Temperature: 0.3})
}

func TestBuildPrompt(t *testing.T) {
	if got := BuildPrompt("", "hello"); got != "User: hello\nBot: " {
		t.Errorf("first turn prompt = %q", got)
	}
	prior := "User: Hi\nBot: Hello!"
	if got := BuildPrompt(prior, "hi"); got != prior+"User: hi\nBot: " {
		t.Errorf("continued prompt = %q", got)
	}
}

func TestTruncateTranscript(t *testing.T) {
	long := strings.Repeat("a", 600) + strings.Repeat("b", 600)
	got := TruncateTranscript(long, 1000)
	if got != long[200:] {
		t.Fatalf("expected trailing 1000 chars")
	}
	if again := TruncateTranscript(got, 1000); again != got {
		t.Fatal("truncating an already capped transcript must be a no-op")
	}
	if short := TruncateTranscript("abc", 1000); short != "abc" {
		t.Fatalf("short transcript changed: %q", short)
	}
}

func TestTruncateTranscript_CountsCharactersNotBytes(t *testing.T) {
	// 俄语字符在 UTF-8 下占两个字节
	s := strings.Repeat("я", 10) + "конец"
	got := TruncateTranscript(s, 5)
	if got != "конец" {
		t.Fatalf("got %q", got)
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"User: Hi\nBot: Hello!",
		"User: <b>&\"quotes\"</b>\nBot: \\ tab\t",
		"User: Привет 🦋\nBot: Здравствуйте",
	}
	for _, in := range inputs {
		enc, err := EncodeTranscript(in)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(enc, `"`) || !strings.HasSuffix(enc, `"`) {
			t.Errorf("encoded form is not a single JSON string: %s", enc)
		}
		dec, err := DecodeTranscript(enc)
		if err != nil {
			t.Fatal(err)
		}
		if dec != in {
			t.Errorf("round trip mismatch: %q != %q", dec, in)
		}
	}
}

func TestDecodeTranscript_ASCIIEscapedRecords(t *testing.T) {
	// 早期记录中的非 ASCII 字符以 \uXXXX 形式保存
	got, err := DecodeTranscript(`"User: \u041f\u0440\u0438\u0432\u0435\u0442\nBot: "`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "User: Привет\nBot: " {
		t.Fatalf("got %q", got)
	}
}

func TestLoadDialogue_AbsentIsNotAnError(t *testing.T) {
	svc := newTestService(newMemoryDialogueRepo(), &fakeLLM{reply: constantReply("x")}, nil)
	transcript, ok, err := svc.LoadDialogue(context.Background(), 1)
	if err != nil || ok || transcript != "" {
		t.Fatalf("got (%q, %v, %v)", transcript, ok, err)
	}
}

func TestGetDialogue_CarriesUpdatedAt(t *testing.T) {
	svc := newTestService(newMemoryDialogueRepo(), &fakeLLM{reply: constantReply("x")}, nil)
	ctx := context.Background()

	if _, err := svc.GetDialogue(ctx, 6); !errors.Is(err, repository.ErrDialogueNotFound) {
		t.Fatalf("expected ErrDialogueNotFound, got %v", err)
	}
	if err := svc.RecordTurn(ctx, 6, BuildPrompt("", "Hi"), "Hello!"); err != nil {
		t.Fatal(err)
	}
	view, err := svc.GetDialogue(ctx, 6)
	if err != nil {
		t.Fatal(err)
	}
	if view.Transcript != "User: Hi\nBot: Hello!" {
		t.Fatalf("transcript = %q", view.Transcript)
	}
	if time.Time(view.UpdatedAt).IsZero() {
		t.Fatal("updatedAt must be set")
	}
	list, err := svc.ListDialogues(ctx)
	if err != nil || len(list) != 1 || list[0].UpdatedAt.String() != view.UpdatedAt.String() {
		t.Fatalf("list = %+v, err = %v", list, err)
	}
}

func TestRecordTurn_StoresTrailingWindow(t *testing.T) {
	repo := newMemoryDialogueRepo()
	svc := newTestService(repo, &fakeLLM{reply: constantReply("x")}, nil)
	ctx := context.Background()

	prompt := BuildPrompt(strings.Repeat("p", 990), "question")
	completion := strings.Repeat("c", 50)
	if err := svc.RecordTurn(ctx, 5, prompt, completion); err != nil {
		t.Fatal(err)
	}
	full := prompt + completion
	transcript, ok, err := svc.LoadDialogue(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("load failed: %v %v", ok, err)
	}
	if transcript != full[len(full)-1000:] {
		t.Fatalf("stored transcript is not the trailing 1000 characters")
	}
	if repo.writes != 1 {
		t.Fatalf("expected exactly one store write, got %d", repo.writes)
	}
}

func TestAsk_Scenario(t *testing.T) {
	repo := newMemoryDialogueRepo()
	client := &fakeLLM{reply: constantReply("Hello!")}
	svc := newTestService(repo, client, nil)
	ctx := context.Background()

	reply, err := svc.Ask(ctx, Inbound{UserID: 1, Text: "Hi"})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Hello!" {
		t.Fatalf("reply = %q", reply)
	}
	transcript, _, _ := svc.LoadDialogue(ctx, 1)
	if transcript != "User: Hi\nBot: Hello!" {
		t.Fatalf("transcript = %q", transcript)
	}

	client.reply = constantReply("Fine.")
	if _, err := svc.Ask(ctx, Inbound{UserID: 1, Text: "How are you?"}); err != nil {
		t.Fatal(err)
	}
	if got := client.prompts[1]; got != "User: Hi\nBot: Hello!User: How are you?\nBot: " {
		t.Fatalf("second prompt = %q", got)
	}
	if client.last.MaxTokens != 1024 || client.last.Temperature != 0.3 {
		t.Fatalf("generation params not forwarded: %+v", client.last)
	}
}

func TestAsk_CompletionFailureLeavesStateUntouched(t *testing.T) {
	repo := newMemoryDialogueRepo()
	client := &fakeLLM{reply: constantReply("Hello!")}
	pub := &recordingPublisher{}
	svc := newTestService(repo, client, pub)
	ctx := context.Background()

	if _, err := svc.Ask(ctx, Inbound{UserID: 3, Text: "Hi"}); err != nil {
		t.Fatal(err)
	}
	pub.waitFor(t, 1)
	before, _, _ := svc.LoadDialogue(ctx, 3)
	writes := repo.writes

	cause := errors.New("quota exceeded")
	client.reply = func(string) (string, error) { return "", cause }
	_, err := svc.Ask(ctx, Inbound{UserID: 3, Text: "again"})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}

	after, _, _ := svc.LoadDialogue(ctx, 3)
	if after != before {
		t.Fatalf("state changed after failed turn: %q -> %q", before, after)
	}
	if repo.writes != writes {
		t.Fatal("failed turn must not write to the store")
	}
	// 事件按入队顺序发布，后续成功轮次的事件必须紧跟第一个
	if _, err := svc.Ask(ctx, Inbound{UserID: 3, Text: "third"}); err != nil {
		t.Fatal(err)
	}
	got := pub.waitFor(t, 2)
	if len(got) != 2 || got[1].Question != "third" {
		t.Fatalf("failed turn must not publish an event, got %+v", got)
	}
}

func TestAsk_FailureOnFirstTurnCreatesNoRecord(t *testing.T) {
	repo := newMemoryDialogueRepo()
	client := &fakeLLM{reply: func(string) (string, error) { return "", errors.New("timeout") }}
	svc := newTestService(repo, client, nil)

	if _, err := svc.Ask(context.Background(), Inbound{UserID: 4, Text: "Hi"}); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if _, ok, _ := svc.LoadDialogue(context.Background(), 4); ok {
		t.Fatal("no record should exist after a failed first turn")
	}
}

func TestAsk_StoreFailuresAreServiceUnavailable(t *testing.T) {
	repo := newMemoryDialogueRepo()
	repo.upsertErr = errors.New("write refused")
	svc := newTestService(repo, &fakeLLM{reply: constantReply("ok")}, nil)
	if _, err := svc.Ask(context.Background(), Inbound{UserID: 1, Text: "Hi"}); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable on write failure, got %v", err)
	}

	repo = newMemoryDialogueRepo()
	repo.findErr = errors.New("connection reset")
	client := &fakeLLM{reply: constantReply("ok")}
	svc = newTestService(repo, client, nil)
	if _, err := svc.Ask(context.Background(), Inbound{UserID: 1, Text: "Hi"}); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable on read failure, got %v", err)
	}
	if len(client.prompts) != 0 {
		t.Fatal("completion API must not be called when history cannot be read")
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	client := &fakeLLM{reply: constantReply("x")}
	svc := newTestService(newMemoryDialogueRepo(), client, nil)
	if _, err := svc.Ask(context.Background(), Inbound{UserID: 1, Text: "   "}); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("expected ErrEmptyQuestion, got %v", err)
	}
	if len(client.prompts) != 0 {
		t.Fatal("empty question must not reach the completion API")
	}
}

func TestAsk_PublishesTurnEvent(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(newMemoryDialogueRepo(), &fakeLLM{reply: constantReply("Hello!")}, pub)

	reply, err := svc.Ask(context.Background(), Inbound{UserID: 9, Username: "neo", Text: "Hi"})
	if err != nil {
		t.Fatalf("publish failure must not fail the turn: %v", err)
	}
	if reply != "Hello!" {
		t.Fatalf("reply = %q", reply)
	}
	got := pub.waitFor(t, 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.Type != events.TypeTurn || e.UserID != 9 || e.Username != "neo" || e.Question != "Hi" || e.Answer != "Hello!" || e.EventID == "" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestResetDialogue(t *testing.T) {
	repo := newMemoryDialogueRepo()
	pub := &recordingPublisher{}
	svc := newTestService(repo, &fakeLLM{reply: constantReply("Hello!")}, pub)
	ctx := context.Background()

	if err := svc.ResetDialogue(ctx, 8); err != nil {
		t.Fatalf("reset without record must be a no-op: %v", err)
	}
	if err := svc.RecordTurn(ctx, 8, BuildPrompt("", "Hi"), "Hello!"); err != nil {
		t.Fatal(err)
	}
	if err := svc.ResetDialogue(ctx, 8); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := svc.LoadDialogue(ctx, 8); ok {
		t.Fatal("dialogue should be absent after reset")
	}
	got := pub.waitFor(t, 2)
	if len(got) != 2 || got[1].Type != events.TypeReset {
		t.Fatalf("expected reset events, got %+v", got)
	}
}

func TestAsk_SlowPublisherDoesNotDelayReply(t *testing.T) {
	pub := &recordingPublisher{release: make(chan struct{})}
	svc := newTestService(newMemoryDialogueRepo(), &fakeLLM{reply: constantReply("Hello!")}, pub)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		// 同一用户连续两轮：第二轮不能被第一轮的发布卡住
		for _, q := range []string{"Hi", "again"} {
			if _, err := svc.Ask(ctx, Inbound{UserID: 5, Text: q}); err != nil {
				done <- err
				return
			}
		}
		if err := svc.ResetDialogue(ctx, 5); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("turns blocked on a slow event publisher")
	}

	close(pub.release)
	got := pub.waitFor(t, 3)
	if got[0].Question != "Hi" || got[1].Question != "again" || got[2].Type != events.TypeReset {
		t.Fatalf("events out of order: %+v", got)
	}
}

func TestAsk_SameUserTurnsAreSerialized(t *testing.T) {
	repo := newMemoryDialogueRepo()
	var (
		mu       sync.Mutex
		inFlight int
		maxSeen  int
	)
	client := &fakeLLM{reply: func(prompt string) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxSeen {
			maxSeen = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "ok", nil
	}}
	svc := newTestService(repo, client, nil)

	const turns = 8
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Ask(context.Background(), Inbound{UserID: 1, Text: "q"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected turns of one user to run one at a time, saw %d concurrent", maxSeen)
	}
	transcript, _, _ := svc.LoadDialogue(context.Background(), 1)
	if strings.Count(transcript, "User: q\nBot: ok") != turns {
		t.Fatalf("expected every turn to build on the previous one, got %q", transcript)
	}
}

func TestUserLocks_ReleaseEntries(t *testing.T) {
	locks := newUserLocks()
	unlock := locks.Lock(1)
	if locks.size() != 1 {
		t.Fatalf("expected one lock entry, got %d", locks.size())
	}
	unlock()
	if locks.size() != 0 {
		t.Fatalf("expected lock entry to be released, got %d", locks.size())
	}
}

func TestListDialogues(t *testing.T) {
	repo := newMemoryDialogueRepo()
	svc := newTestService(repo, &fakeLLM{reply: constantReply("x")}, nil)
	ctx := context.Background()
	_ = svc.RecordTurn(ctx, 2, BuildPrompt("", "b"), "B")
	_ = svc.RecordTurn(ctx, 1, BuildPrompt("", "a"), "A")

	views, err := svc.ListDialogues(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0].UserID != 1 || views[0].Transcript != "User: a\nBot: A" {
		t.Fatalf("unexpected views: %+v", views)
	}
}
