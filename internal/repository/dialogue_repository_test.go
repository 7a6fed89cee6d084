package repository

import (
	"context"
	"errors"
	"morpho-bot/internal/model"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

// rawInt 读取 int32 或 int64 编码的整数。
func rawInt(v bson.RawValue) int64 {
	if i, ok := v.Int32OK(); ok {
		return int64(i)
	}
	return v.Int64()
}

func TestMongoDialogueRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("find missing", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := NewMongoDialogueRepository(mt.Coll).Find(context.Background(), 42)
		if !errors.Is(err, ErrDialogueNotFound) {
			mt.Fatalf("expected ErrDialogueNotFound, got %v", err)
		}
	})

	mt.Run("find decodes record", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "user_id", Value: int64(42)},
			{Key: "dialogue", Value: `"User: Hi\nBot: Hello!"`},
			{Key: "updated_at", Value: updated},
		}))

		record, err := NewMongoDialogueRepository(mt.Coll).Find(context.Background(), 42)
		if err != nil {
			mt.Fatal(err)
		}
		if record.UserID != 42 || record.Dialogue != `"User: Hi\nBot: Hello!"` || !record.UpdatedAt.Equal(updated) {
			mt.Fatalf("record = %+v", record)
		}
		filter := mt.GetStartedEvent().Command.Lookup("filter", "user_id")
		if rawInt(filter) != 42 {
			mt.Fatalf("filter user_id = %v", filter)
		}
	})

	mt.Run("upsert replaces by user id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))

		err := NewMongoDialogueRepository(mt.Coll).Upsert(context.Background(), &model.DialogueRecord{
			UserID:   42,
			Dialogue: `"User: again\nBot: sure"`,
		})
		if err != nil {
			mt.Fatal(err)
		}
		cmd := mt.GetStartedEvent().Command
		if _, ok := cmd.Lookup("update").StringValueOK(); !ok {
			mt.Fatalf("expected an update command, got %s", cmd)
		}
		update := cmd.Lookup("updates", "0")
		if !update.Document().Lookup("upsert").Boolean() {
			mt.Fatal("replace must be an upsert")
		}
		if rawInt(update.Document().Lookup("q", "user_id")) != 42 {
			mt.Fatalf("query = %s", update.Document().Lookup("q"))
		}
		if got := update.Document().Lookup("u", "dialogue").StringValue(); got != `"User: again\nBot: sure"` {
			mt.Fatalf("replacement dialogue = %q", got)
		}
	})

	mt.Run("delete of missing record is not an error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))

		if err := NewMongoDialogueRepository(mt.Coll).Delete(context.Background(), 7); err != nil {
			mt.Fatal(err)
		}
	})

	mt.Run("list", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch,
			bson.D{{Key: "user_id", Value: int64(3)}, {Key: "dialogue", Value: `"a"`}},
			bson.D{{Key: "user_id", Value: int64(9)}, {Key: "dialogue", Value: `"b"`}},
		))

		records, err := NewMongoDialogueRepository(mt.Coll).List(context.Background())
		if err != nil {
			mt.Fatal(err)
		}
		if len(records) != 2 || records[0].UserID != 3 || records[1].UserID != 9 {
			mt.Fatalf("records = %+v", records)
		}
		if rawInt(mt.GetStartedEvent().Command.Lookup("sort", "user_id")) != 1 {
			mt.Fatal("list must sort by user_id")
		}
	})
}
