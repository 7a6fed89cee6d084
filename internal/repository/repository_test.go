package repository

import (
	"context"
	"errors"
	"morpho-bot/internal/model"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	// :memory: 数据库按连接隔离，只能保留一个连接
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestGormDialogueRepository_FindMissing(t *testing.T) {
	repo, err := NewGormDialogueRepository(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	_, err = repo.Find(context.Background(), 1)
	if !errors.Is(err, ErrDialogueNotFound) {
		t.Fatalf("expected ErrDialogueNotFound, got %v", err)
	}
}

func TestGormDialogueRepository_UpsertReplacesWholeRecord(t *testing.T) {
	ctx := context.Background()
	repo, err := NewGormDialogueRepository(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := repo.Upsert(ctx, &model.DialogueRecord{UserID: 7, Dialogue: `"first"`}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := repo.Upsert(ctx, &model.DialogueRecord{UserID: 7, Dialogue: `"second"`}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.Find(ctx, 7)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Dialogue != `"second"` {
		t.Fatalf("expected replaced dialogue, got %q", got.Dialogue)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record per user, got %d", len(all))
	}
}

func TestGormDialogueRepository_DeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo, err := NewGormDialogueRepository(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, 99); err != nil {
		t.Fatalf("delete of missing record should not fail: %v", err)
	}
	if err := repo.Upsert(ctx, &model.DialogueRecord{UserID: 99, Dialogue: `"x"`}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Delete(ctx, 99); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Find(ctx, 99); !errors.Is(err, ErrDialogueNotFound) {
		t.Fatalf("expected record to be gone, got %v", err)
	}
}

func TestGormDialogueRepository_ListOrdersByUser(t *testing.T) {
	ctx := context.Background()
	repo, err := NewGormDialogueRepository(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{30, 10, 20} {
		if err := repo.Upsert(ctx, &model.DialogueRecord{UserID: id, Dialogue: `""`}); err != nil {
			t.Fatal(err)
		}
	}
	all, err := repo.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].UserID != 10 || all[2].UserID != 30 {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestConversationRepository_SaveIsIdempotentPerEvent(t *testing.T) {
	ctx := context.Background()
	repo, err := NewConversationRepository(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	turn := model.ConversationTurn{EventID: "evt-1", UserID: 5, Question: "Hi", Answer: "Hello!", CreatedAt: time.Now()}
	for i := 0; i < 2; i++ {
		dup := turn
		if err := repo.Save(ctx, &dup); err != nil {
			t.Fatalf("save #%d: %v", i, err)
		}
	}
	turns, err := repo.FindTurns(ctx, nil, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 archived turn, got %d", len(turns))
	}
}

func TestConversationRepository_FindTurnsFilters(t *testing.T) {
	ctx := context.Background()
	repo, err := NewConversationRepository(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.ConversationTurn{
		{EventID: "a", UserID: 1, Question: "q1", Answer: "a1", CreatedAt: base},
		{EventID: "b", UserID: 1, Question: "q2", Answer: "a2", CreatedAt: base.Add(2 * time.Hour)},
		{EventID: "c", UserID: 2, Question: "q3", Answer: "a3", CreatedAt: base.Add(time.Hour)},
	}
	for i := range rows {
		if err := repo.Save(ctx, &rows[i]); err != nil {
			t.Fatal(err)
		}
	}

	uid := int64(1)
	turns, err := repo.FindTurns(ctx, &uid, nil, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].EventID != "a" {
		t.Fatalf("unexpected user filter result: %+v", turns)
	}

	start := base.Add(30 * time.Minute)
	end := base.Add(90 * time.Minute)
	turns, err = repo.FindTurns(ctx, nil, &start, &end, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].EventID != "c" {
		t.Fatalf("unexpected time filter result: %+v", turns)
	}
}
