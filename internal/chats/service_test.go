package chats

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/inovest/realtime/internal/ids"
	"github.com/inovest/realtime/internal/projects"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type stubProjects struct {
	known map[string]projects.Project
	err   error
}

func (s stubProjects) Lookup(_ context.Context, projectID string) (projects.Project, error) {
	if s.err != nil {
		return projects.Project{}, s.err
	}
	project, ok := s.known[projectID]
	if !ok {
		return projects.Project{}, projects.ErrProjectNotFound
	}
	return project, nil
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "chats.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&ChatSession{}, &Participant{}, &Message{}); err != nil {
		t.Fatalf("failed to migrate chat schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB, logger *zap.Logger) *Service {
	t.Helper()
	clock := &steppingClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database: db,
		Projects: stubProjects{known: map[string]projects.Project{
			"project-1": {ProjectID: "project-1", OwnerID: "founder"},
		}},
		IDProvider: ids.NewUUIDProvider(),
		Clock:      clock.Now,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return count
}

func TestResolveCreatesOnceAndSeedsGreeting(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()

	session, created, err := service.Resolve(ctx, "project-1", "investor", "founder")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !created {
		t.Fatalf("expected first resolve to create")
	}
	if session.ParticipantLow != "founder" || session.ParticipantHigh != "investor" || session.InitiatorID != "investor" {
		t.Fatalf("unexpected session %+v", session)
	}

	again, created, err := service.Resolve(ctx, "project-1", "founder", "investor")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if created || again.ChatID != session.ChatID {
		t.Fatalf("expected reversed pair to return the existing chat, created=%v id=%s", created, again.ChatID)
	}

	var messages []Message
	if err := db.Find(&messages).Error; err != nil {
		t.Fatalf("load messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected exactly one seed message, got %d", len(messages))
	}
	if messages[0].Type != MessageTypeSystem || messages[0].SenderID != "investor" {
		t.Fatalf("unexpected seed message %+v", messages[0])
	}
	if participants := countRows(t, db, &Participant{}); participants != 2 {
		t.Fatalf("expected two participants, got %d", participants)
	}
}

func TestResolveConcurrentCallersShareOneSession(t *testing.T) {
	db := openTestDatabase(t)
	services := []*Service{newTestService(t, db, nil), newTestService(t, db, nil)}
	ctx := context.Background()

	const callers = 50
	start := make(chan struct{})
	chatIDs := make([]string, callers)
	errs := make([]error, callers)
	var createdCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			initiator, other := "investor", "founder"
			if i%2 == 1 {
				initiator, other = other, initiator
			}
			session, created, err := services[i%len(services)].Resolve(ctx, "project-1", initiator, other)
			errs[i] = err
			chatIDs[i] = session.ChatID
			if created {
				createdCount.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
		if chatIDs[i] != chatIDs[0] {
			t.Fatalf("caller %d observed chat %s, expected %s", i, chatIDs[i], chatIDs[0])
		}
	}
	if createdCount.Load() != 1 {
		t.Fatalf("expected exactly one creator, got %d", createdCount.Load())
	}
	if sessions := countRows(t, db, &ChatSession{}); sessions != 1 {
		t.Fatalf("expected one session row, got %d", sessions)
	}
	if messages := countRows(t, db, &Message{}); messages != 1 {
		t.Fatalf("expected one seed message, got %d", messages)
	}
}

func TestResolveUniqueIndexAbsorbsLostRace(t *testing.T) {
	db := openTestDatabase(t)
	first := newTestService(t, db, nil)
	second := newTestService(t, db, nil)
	ctx := context.Background()

	winner, _, err := first.Resolve(ctx, "project-1", "investor", "founder")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// The loser skips the lookup, as if it ran before the winner committed.
	loser, created, err := second.create(ctx, "project-1", "founder", "founder", "investor")
	if err != nil {
		t.Fatalf("losing resolve: %v", err)
	}
	if created {
		t.Fatalf("expected losing creator to report existing chat")
	}
	if loser.ChatID != winner.ChatID {
		t.Fatalf("expected winner %s, got %s", winner.ChatID, loser.ChatID)
	}
}

func TestResolveErrors(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()

	if _, _, err := service.Resolve(ctx, "missing", "investor", "founder"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
	if _, _, err := service.Resolve(ctx, "project-1", "investor", "investor"); !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("expected invalid participants, got %v", err)
	}
	if _, _, err := service.Resolve(ctx, "project-1", "", "founder"); !errors.Is(err, ErrInvalidParticipants) {
		t.Fatalf("expected invalid participants for empty id, got %v", err)
	}
	var serviceErr *ServiceError
	_, _, err := service.Resolve(ctx, "missing", "investor", "founder")
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "chats.resolve.project_not_found" {
		t.Fatalf("expected service error code, got %v", err)
	}
	if sessions := countRows(t, db, &ChatSession{}); sessions != 0 {
		t.Fatalf("expected no partial session, got %d", sessions)
	}
}

func TestResolveLogsLookupFailure(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	db := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Projects:   stubProjects{err: errors.New("catalog offline")},
		IDProvider: ids.NewUUIDProvider(),
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if _, _, err := service.Resolve(context.Background(), "project-1", "investor", "founder"); err == nil {
		t.Fatalf("expected lookup failure")
	}
	entries := logs.FilterField(zap.String("reason", "project_lookup_failed")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one lookup failure log, got %d", len(entries))
	}
}

func TestSendAndListMessages(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()
	session, _, err := service.Resolve(ctx, "project-1", "investor", "founder")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	for _, content := range []string{"hello", "how much?", "lots"} {
		if _, err := service.SendMessage(ctx, session.ChatID, "investor", Draft{Content: content}); err != nil {
			t.Fatalf("send %q: %v", content, err)
		}
	}
	if _, err := service.SendMessage(ctx, session.ChatID, "stranger", Draft{Content: "hi"}); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected non participant rejected, got %v", err)
	}
	if _, err := service.SendMessage(ctx, session.ChatID, "investor", Draft{Content: "  "}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected empty message rejected, got %v", err)
	}
	if _, err := service.SendMessage(ctx, session.ChatID, "investor", Draft{Content: "x", MessageType: "SYSTEM"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected system type rejected, got %v", err)
	}

	messages, err := service.ListMessages(ctx, session.ChatID, "founder", time.Time{}, 2)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "how much?" || messages[1].Content != "lots" {
		t.Fatalf("unexpected newest page %+v", messages)
	}
	older, err := service.ListMessages(ctx, session.ChatID, "founder", messages[0].CreatedAt, 10)
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(older) != 2 || older[0].Type != MessageTypeSystem || older[1].Content != "hello" {
		t.Fatalf("unexpected older page %+v", older)
	}
	if _, err := service.ListMessages(ctx, session.ChatID, "stranger", time.Time{}, 10); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected not found for stranger, got %v", err)
	}
}

func TestSendMessageKeepsContentVerbatim(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()
	session, _, err := service.Resolve(ctx, "project-1", "investor", "founder")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	content := "    func main() {}\n"
	sent, err := service.SendMessage(ctx, session.ChatID, "investor", Draft{Content: content})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Content != content {
		t.Fatalf("expected returned content %q, got %q", content, sent.Content)
	}

	messages, err := service.ListMessages(ctx, session.ChatID, "founder", time.Time{}, 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	last := messages[len(messages)-1]
	if last.MessageID != sent.MessageID || last.Content != content {
		t.Fatalf("expected stored content %q, got %+v", content, last)
	}
}

func TestParticipantsAndSessions(t *testing.T) {
	db := openTestDatabase(t)
	service := newTestService(t, db, nil)
	ctx := context.Background()
	session, _, err := service.Resolve(ctx, "project-1", "investor", "founder")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	participants, err := service.Participants(ctx, session.ChatID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(participants) != 2 || participants[0] != "founder" || participants[1] != "investor" {
		t.Fatalf("unexpected participants %v", participants)
	}
	if _, err := service.Participants(ctx, "missing"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if ok, err := service.IsParticipant(ctx, session.ChatID, "stranger"); err != nil || ok {
		t.Fatalf("expected stranger excluded, ok=%v err=%v", ok, err)
	}
	if counterpart := session.Counterpart("investor"); counterpart != "founder" {
		t.Fatalf("expected founder counterpart, got %q", counterpart)
	}

	views, err := service.ListSessions(ctx, "founder")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(views) != 1 || views[0].LastMessage == nil || views[0].LastMessage.Type != MessageTypeSystem {
		t.Fatalf("unexpected session views %+v", views)
	}
	if _, err := service.Session(ctx, session.ChatID, "stranger"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected session hidden from stranger, got %v", err)
	}
}
