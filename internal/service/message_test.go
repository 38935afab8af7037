package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"teamchat/internal/db"
	"teamchat/internal/feed"
	"teamchat/internal/models"

	"gorm.io/gorm"
)

// newTestStore opens a throwaway sqlite database seeded with two users
// and one room owned by alice (user 1).
func newTestStore(t *testing.T) (*MessageService, *gorm.DB, *feed.Bus) {
	t.Helper()
	gdb, err := db.Connect(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// sqlite allows a single writer; serialize driver access so concurrent
	// callers contend on the service's locks rather than on SQLITE_BUSY.
	if sqlDB, err := gdb.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	alice := models.User{Username: "alice"}
	bob := models.User{Username: "bob"}
	if err := gdb.Create(&alice).Error; err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if err := gdb.Create(&bob).Error; err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	room := models.Room{Name: "general", OwnerID: alice.ID}
	if err := gdb.Create(&room).Error; err != nil {
		t.Fatalf("seed room: %v", err)
	}
	bus := feed.NewBus()
	return NewMessageService(gdb, bus, NewDBAuthz(gdb), 100), gdb, bus
}

func mustAppend(t *testing.T, svc *MessageService, roomID, senderID uint, content string) *models.Message {
	t.Helper()
	msg, err := svc.Append(AppendInput{RoomID: roomID, SenderID: senderID, SenderName: "x", Content: content})
	if err != nil {
		t.Fatalf("Append(%q) error = %v", content, err)
	}
	return msg
}

// collectEvents subscribes to a room and records everything delivered.
// Delivery is synchronous with the mutating call, so no locking needed.
func collectEvents(t *testing.T, bus *feed.Bus, roomID uint) *[]feed.Event {
	t.Helper()
	var events []feed.Event
	sub := bus.Subscribe(roomID, func(evt feed.Event) { events = append(events, evt) })
	t.Cleanup(sub.Cancel)
	return &events
}

func TestAppend_AssignsIncreasingIDs(t *testing.T) {
	svc, _, _ := newTestStore(t)

	var last uint
	for i := 0; i < 5; i++ {
		msg := mustAppend(t, svc, 1, 1, "hello")
		if msg.ID <= last {
			t.Fatalf("Append() id = %d, want > %d", msg.ID, last)
		}
		if msg.CreatedAt.IsZero() || msg.UpdatedAt.IsZero() {
			t.Error("Append() should assign timestamps")
		}
		if msg.ClientKey == "" {
			t.Error("Append() should assign a client key when the caller omits one")
		}
		last = msg.ID
	}
}

func TestAppend_Validation(t *testing.T) {
	svc, gdb, bus := newTestStore(t)
	events := collectEvents(t, bus, 1)

	long := make([]rune, 101)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		in   AppendInput
		want error
	}{
		{"empty content", AppendInput{RoomID: 1, SenderID: 1, Content: ""}, ErrValidation},
		{"too long", AppendInput{RoomID: 1, SenderID: 1, Content: string(long)}, ErrValidation},
		{"unknown kind", AppendInput{RoomID: 1, SenderID: 1, Content: "hi", Kind: "video"}, ErrValidation},
		{"missing room", AppendInput{RoomID: 99, SenderID: 1, Content: "hi"}, ErrRoomNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Append(tt.in); !errors.Is(err, tt.want) {
				t.Errorf("Append() error = %v, want %v", err, tt.want)
			}
		})
	}

	// Rejected sends must not persist anything or emit events
	var count int64
	gdb.Model(&models.Message{}).Count(&count)
	if count != 0 {
		t.Errorf("rejected sends persisted %d messages, want 0", count)
	}
	if len(*events) != 0 {
		t.Errorf("rejected sends emitted %d events, want 0", len(*events))
	}
}

func TestAppend_MaxLengthBoundary(t *testing.T) {
	svc, _, _ := newTestStore(t)

	// Multi-byte runes must count as one character each
	content := make([]rune, 100)
	for i := range content {
		content[i] = '你'
	}
	if _, err := svc.Append(AppendInput{RoomID: 1, SenderID: 1, Content: string(content)}); err != nil {
		t.Errorf("Append() at max rune length error = %v", err)
	}
}

func TestAppend_ReplyTo(t *testing.T) {
	svc, gdb, _ := newTestStore(t)
	room2 := models.Room{Name: "other", OwnerID: 1}
	if err := gdb.Create(&room2).Error; err != nil {
		t.Fatalf("seed room2: %v", err)
	}
	target := mustAppend(t, svc, 1, 1, "target")
	elsewhere := mustAppend(t, svc, room2.ID, 1, "elsewhere")

	t.Run("same room resolves", func(t *testing.T) {
		msg, err := svc.Append(AppendInput{RoomID: 1, SenderID: 2, Content: "re", ReplyTo: &target.ID})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if msg.ReplyTo == nil || *msg.ReplyTo != target.ID {
			t.Errorf("Append() ReplyTo = %v, want %d", msg.ReplyTo, target.ID)
		}
	})
	t.Run("cross room rejected", func(t *testing.T) {
		_, err := svc.Append(AppendInput{RoomID: 1, SenderID: 2, Content: "re", ReplyTo: &elsewhere.ID})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Append() error = %v, want %v", err, ErrNotFound)
		}
	})
	t.Run("missing target rejected", func(t *testing.T) {
		missing := uint(9999)
		_, err := svc.Append(AppendInput{RoomID: 1, SenderID: 2, Content: "re", ReplyTo: &missing})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Append() error = %v, want %v", err, ErrNotFound)
		}
	})
	t.Run("tombstone target still resolves", func(t *testing.T) {
		if err := svc.Delete(target.ID, 1); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := svc.Append(AppendInput{RoomID: 1, SenderID: 2, Content: "re", ReplyTo: &target.ID}); err != nil {
			t.Errorf("Append() replying to tombstone error = %v", err)
		}
	})
}

func TestAppend_ClientKeyIdempotent(t *testing.T) {
	svc, gdb, bus := newTestStore(t)
	events := collectEvents(t, bus, 1)

	first, err := svc.Append(AppendInput{RoomID: 1, SenderID: 1, Content: "once", ClientKey: "retry-token"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// A retry with the same token must return the original row untouched
	second, err := svc.Append(AppendInput{RoomID: 1, SenderID: 1, Content: "once", ClientKey: "retry-token"})
	if err != nil {
		t.Fatalf("Append() retry error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("retry returned id %d, want %d", second.ID, first.ID)
	}

	var count int64
	gdb.Model(&models.Message{}).Count(&count)
	if count != 1 {
		t.Errorf("retry persisted %d messages, want 1", count)
	}
	if len(*events) != 1 {
		t.Errorf("retry emitted %d events, want 1", len(*events))
	}
}

func TestEdit(t *testing.T) {
	svc, _, bus := newTestStore(t)
	msg := mustAppend(t, svc, 1, 1, "draft")
	events := collectEvents(t, bus, 1)

	edited, err := svc.Edit(msg.ID, 1, "final")
	if err != nil {
		t.Fatalf("Edit() error = %v", err)
	}
	if edited.Content != "final" || !edited.Edited {
		t.Errorf("Edit() = %+v, want content final and edited flag", edited)
	}
	if edited.ID != msg.ID {
		t.Errorf("Edit() changed id %d -> %d", msg.ID, edited.ID)
	}
	if !edited.CreatedAt.Equal(msg.CreatedAt) {
		t.Error("Edit() must not change created_at")
	}
	if len(*events) != 1 || (*events)[0].Op != feed.OpEdited {
		t.Errorf("Edit() events = %v, want one edited", *events)
	}

	if _, err := svc.Edit(msg.ID, 2, "hijack"); !errors.Is(err, ErrForbidden) {
		t.Errorf("Edit() by non-sender error = %v, want %v", err, ErrForbidden)
	}
	if _, err := svc.Edit(9999, 1, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Edit() missing error = %v, want %v", err, ErrNotFound)
	}
}

func TestEdit_DeletedLoses(t *testing.T) {
	svc, _, _ := newTestStore(t)
	msg := mustAppend(t, svc, 1, 1, "doomed")
	if err := svc.Delete(msg.ID, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	// Delete wins over a concurrent edit
	if _, err := svc.Edit(msg.ID, 1, "too late"); !errors.Is(err, ErrConflict) {
		t.Errorf("Edit() of tombstone error = %v, want %v", err, ErrConflict)
	}
}

func TestReactions(t *testing.T) {
	svc, _, bus := newTestStore(t)
	msg := mustAppend(t, svc, 1, 1, "react to me")
	events := collectEvents(t, bus, 1)

	got, err := svc.React(msg.ID, 2, "👍")
	if err != nil {
		t.Fatalf("React() error = %v", err)
	}
	if set := got.Reactions.Data()["2"]; len(set) != 1 || set[0] != "👍" {
		t.Errorf("React() reactions = %v", got.Reactions.Data())
	}
	if len(*events) != 1 || (*events)[0].Op != feed.OpReacted {
		t.Fatalf("React() events = %v, want one reacted", *events)
	}

	// Repeated add is a no-op and emits nothing
	if _, err := svc.React(msg.ID, 2, "👍"); err != nil {
		t.Fatalf("React() repeat error = %v", err)
	}
	if len(*events) != 1 {
		t.Errorf("repeated React() emitted %d events, want 1", len(*events))
	}

	// Same symbol from another user is independent
	if _, err := svc.React(msg.ID, 1, "👍"); err != nil {
		t.Fatalf("React() other user error = %v", err)
	}

	got, err = svc.Unreact(msg.ID, 2, "👍")
	if err != nil {
		t.Fatalf("Unreact() error = %v", err)
	}
	if _, ok := got.Reactions.Data()["2"]; ok {
		t.Errorf("Unreact() left %v", got.Reactions.Data())
	}
	if _, ok := got.Reactions.Data()["1"]; !ok {
		t.Error("Unreact() removed another user's reaction")
	}

	// Removing an absent symbol is a no-op
	before := len(*events)
	if _, err := svc.Unreact(msg.ID, 2, "👍"); err != nil {
		t.Fatalf("Unreact() repeat error = %v", err)
	}
	if len(*events) != before {
		t.Errorf("repeated Unreact() emitted events")
	}

	if _, err := svc.React(msg.ID, 2, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("React() empty symbol error = %v, want %v", err, ErrValidation)
	}
}

func TestDelete(t *testing.T) {
	svc, gdb, bus := newTestStore(t)
	msg := mustAppend(t, svc, 1, 2, "bob's message") // sent by bob
	events := collectEvents(t, bus, 1)

	// Neither sender nor room owner
	carol := models.User{Username: "carol"}
	if err := gdb.Create(&carol).Error; err != nil {
		t.Fatalf("seed carol: %v", err)
	}
	if err := svc.Delete(msg.ID, carol.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("Delete() by bystander error = %v, want %v", err, ErrForbidden)
	}

	// Room owner moderates
	if err := svc.Delete(msg.ID, 1); err != nil {
		t.Fatalf("Delete() by owner error = %v", err)
	}
	var got models.Message
	if err := gdb.First(&got, msg.ID).Error; err != nil {
		t.Fatalf("tombstone should remain addressable: %v", err)
	}
	if !got.Deleted || got.Content != "" {
		t.Errorf("Delete() left %+v, want empty tombstone", got)
	}
	if len(*events) != 1 || (*events)[0].Op != feed.OpDeleted {
		t.Fatalf("Delete() events = %v, want one deleted", *events)
	}

	// Idempotent: second delete succeeds without another event
	if err := svc.Delete(msg.ID, 2); err != nil {
		t.Errorf("Delete() repeat error = %v", err)
	}
	if len(*events) != 1 {
		t.Errorf("repeated Delete() emitted %d events, want 1", len(*events))
	}

	if err := svc.Delete(9999, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete() missing error = %v, want %v", err, ErrNotFound)
	}
}

func TestList_Pagination(t *testing.T) {
	svc, gdb, _ := newTestStore(t)
	room2 := models.Room{Name: "noise", OwnerID: 1}
	if err := gdb.Create(&room2).Error; err != nil {
		t.Fatalf("seed room2: %v", err)
	}

	// Interleave rooms so room 1 ids are not contiguous
	var ids []uint
	for i := 0; i < 10; i++ {
		ids = append(ids, mustAppend(t, svc, 1, 1, "m").ID)
		mustAppend(t, svc, room2.ID, 1, "noise")
	}

	assertAscending := func(t *testing.T, msgs []models.Message) {
		t.Helper()
		for i := 1; i < len(msgs); i++ {
			if msgs[i].ID <= msgs[i-1].ID {
				t.Fatalf("page not strictly ascending: %d then %d", msgs[i-1].ID, msgs[i].ID)
			}
		}
		for _, m := range msgs {
			if m.RoomID != 1 {
				t.Fatalf("page leaked message from room %d", m.RoomID)
			}
		}
	}

	t.Run("latest page", func(t *testing.T) {
		msgs, err := svc.List(1, ListOptions{Limit: 4})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		assertAscending(t, msgs)
		if len(msgs) != 4 || msgs[3].ID != ids[9] {
			t.Errorf("List() = %d msgs ending %d, want 4 ending %d", len(msgs), msgs[len(msgs)-1].ID, ids[9])
		}
	})

	t.Run("before cursor", func(t *testing.T) {
		msgs, err := svc.List(1, ListOptions{BeforeID: ids[5], Limit: 3})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		assertAscending(t, msgs)
		if len(msgs) != 3 || msgs[2].ID != ids[4] {
			t.Errorf("List(before=%d) ended at %d, want %d", ids[5], msgs[len(msgs)-1].ID, ids[4])
		}
	})

	t.Run("after cursor gap fill", func(t *testing.T) {
		msgs, err := svc.List(1, ListOptions{AfterID: ids[6], Limit: 50})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		assertAscending(t, msgs)
		if len(msgs) != 3 || msgs[0].ID != ids[7] {
			t.Errorf("List(after=%d) = %d msgs starting %v, want 3 starting %d", ids[6], len(msgs), msgs, ids[7])
		}
	})

	t.Run("limit clamped", func(t *testing.T) {
		msgs, err := svc.List(1, ListOptions{Limit: 100000})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(msgs) != 10 {
			t.Errorf("List() = %d msgs, want all 10", len(msgs))
		}
	})

	t.Run("empty room", func(t *testing.T) {
		msgs, err := svc.List(777, ListOptions{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("List() on empty room = %d msgs", len(msgs))
		}
	})
}

func TestAppend_EmitsExactlyOneEvent(t *testing.T) {
	svc, _, bus := newTestStore(t)
	events := collectEvents(t, bus, 1)
	other := collectEvents(t, bus, 2)

	msg := mustAppend(t, svc, 1, 1, "hello")

	if len(*events) != 1 {
		t.Fatalf("Append() emitted %d events, want 1", len(*events))
	}
	evt := (*events)[0]
	if evt.Op != feed.OpInserted || evt.RoomID != 1 || evt.Message.ID != msg.ID {
		t.Errorf("Append() event = %+v", evt)
	}
	if len(*other) != 0 {
		t.Errorf("event leaked to another room's subscribers")
	}
}

func TestEdit_SurvivesConcurrentReact(t *testing.T) {
	svc, gdb, _ := newTestStore(t)
	msg := mustAppend(t, svc, 1, 1, "draft")

	// An edit and a reaction racing on the same message must both land:
	// whichever order the commit lock picks, the edit's content may not
	// be reverted by the reaction's write.
	for i := 0; i < 200; i++ {
		want := fmt.Sprintf("edit-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		var editErr, reactErr error
		go func() {
			defer wg.Done()
			_, editErr = svc.Edit(msg.ID, 1, want)
		}()
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, reactErr = svc.React(msg.ID, 2, "👍")
			} else {
				_, reactErr = svc.Unreact(msg.ID, 2, "👍")
			}
		}()
		wg.Wait()
		if editErr != nil || reactErr != nil {
			t.Fatalf("iteration %d: edit err = %v, react err = %v", i, editErr, reactErr)
		}
		var got models.Message
		if err := gdb.First(&got, msg.ID).Error; err != nil {
			t.Fatalf("reload: %v", err)
		}
		if got.Content != want || !got.Edited {
			t.Fatalf("iteration %d: content = %q edited = %v, want %q true", i, got.Content, got.Edited, want)
		}
	}
}

func TestDelete_SurvivesConcurrentEdit(t *testing.T) {
	svc, gdb, _ := newTestStore(t)

	// Delete wins over a racing edit: once the tombstone is down it must
	// stay down no matter which call grabs the lock first.
	for i := 0; i < 100; i++ {
		msg := mustAppend(t, svc, 1, 1, "doomed")
		var wg sync.WaitGroup
		wg.Add(2)
		var delErr error
		go func() {
			defer wg.Done()
			delErr = svc.Delete(msg.ID, 1)
		}()
		go func() {
			defer wg.Done()
			// The edit may lose with ErrConflict; that is the expected
			// outcome when the delete commits first.
			svc.Edit(msg.ID, 1, "revived")
		}()
		wg.Wait()
		if delErr != nil {
			t.Fatalf("iteration %d: delete err = %v", i, delErr)
		}
		var got models.Message
		if err := gdb.First(&got, msg.ID).Error; err != nil {
			t.Fatalf("reload: %v", err)
		}
		if !got.Deleted || got.Content != "" {
			t.Fatalf("iteration %d: deleted = %v content = %q, want tombstone", i, got.Deleted, got.Content)
		}
	}
}

func TestAppend_ConcurrentSameClientKey(t *testing.T) {
	svc, gdb, _ := newTestStore(t)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("retry-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		ids := make([]uint, 2)
		errs := make([]error, 2)
		for j := 0; j < 2; j++ {
			go func(j int) {
				defer wg.Done()
				msg, err := svc.Append(AppendInput{
					RoomID: 1, SenderID: 1, SenderName: "alice",
					Content: "once", ClientKey: key,
				})
				if msg != nil {
					ids[j] = msg.ID
				}
				errs[j] = err
			}(j)
		}
		wg.Wait()
		if errs[0] != nil || errs[1] != nil {
			t.Fatalf("iteration %d: errs = %v, %v", i, errs[0], errs[1])
		}
		if ids[0] != ids[1] {
			t.Fatalf("iteration %d: ids differ: %d vs %d", i, ids[0], ids[1])
		}
		var count int64
		if err := gdb.Model(&models.Message{}).Where("client_key = ?", key).Count(&count).Error; err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 1 {
			t.Fatalf("iteration %d: %d rows share client_key %q, want 1", i, count, key)
		}
	}
}

func TestDelete_KeepsUpdatedAt(t *testing.T) {
	svc, gdb, _ := newTestStore(t)
	msg := mustAppend(t, svc, 1, 1, "ephemeral")

	var before models.Message
	if err := gdb.First(&before, msg.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := svc.Delete(msg.ID, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	var got models.Message
	if err := gdb.First(&got, msg.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.UpdatedAt.After(before.UpdatedAt.Add(5 * time.Millisecond)) {
		t.Errorf("tombstone bumped updated_at: %v -> %v", before.UpdatedAt, got.UpdatedAt)
	}
}
