// Package storetest is a conformance suite every store.Backend has to pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/iidesho/cedar/stream"
	"github.com/iidesho/cedar/stream/store"
)

// Factory opens an empty backend. The suite closes it.
type Factory func(t *testing.T) store.Backend

func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"AppendAndRead", testAppendAndRead},
		{"CreateEmpty", testCreateEmpty},
		{"ReadUnknownStream", testReadUnknownStream},
		{"ReadBackwards", testReadBackwards},
		{"Paging", testPaging},
		{"VersionOfAndIDs", testVersionOfAndIDs},
		{"DeleteMessage", testDeleteMessage},
		{"DeleteStream", testDeleteStream},
		{"RecreateStream", testRecreateStream},
		{"ReadAll", testReadAll},
		{"HeadPosition", testHeadPosition},
		{"Rollback", testRollback},
		{"LazyPayload", testLazyPayload},
		{"ConcurrentSameStream", testConcurrentSameStream},
		{"ConcurrentStreams", testConcurrentStreams},
		{"Canceled", testCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			defer func() {
				err := b.Close()
				if err != nil {
					t.Error(err)
				}
			}()
			tt.fn(t, b)
		})
	}
}

func Messages(n int) []stream.NewMessage {
	msgs := make([]stream.NewMessage, n)
	for i := range msgs {
		msgs[i] = stream.NewMessage{
			ID:       uuid.Must(uuid.NewV7()),
			Type:     "test_message",
			Data:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Metadata: []byte(`{"source":"storetest"}`),
		}
	}
	return msgs
}

func appendTo(t *testing.T, b store.Backend, id stream.ID, msgs []stream.NewMessage) stream.AppendResult {
	t.Helper()
	var res stream.AppendResult
	err := b.Update(context.Background(), id, func(tx store.Tx) (err error) {
		res, err = tx.Append(msgs)
		return
	})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func readAllOf(t *testing.T, b store.Backend, id stream.ID) stream.Page {
	t.Helper()
	p, err := b.ReadStreamForwards(context.Background(), id, stream.Start, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func testAppendAndRead(t *testing.T, b store.Backend) {
	msgs := Messages(3)
	res := appendTo(t, b, "orders", msgs)
	if res.CurrentVersion != 2 {
		t.Fatalf("current version %d", res.CurrentVersion)
	}
	p := readAllOf(t, b, "orders")
	if p.Status != stream.Success || !p.IsEnd || p.LastVersion != 2 || p.NextVersion != 3 {
		t.Fatalf("unexpected page %+v", p)
	}
	if len(p.Messages) != 3 {
		t.Fatalf("read %d messages", len(p.Messages))
	}
	var lastPos stream.Position = stream.NoPosition
	for i, m := range p.Messages {
		if m.ID != msgs[i].ID || m.Version != stream.Version(i) || m.StreamID != "orders" {
			t.Errorf("message %d is %s", i, m)
		}
		if string(m.Data) != string(msgs[i].Data) || string(m.Metadata) != string(msgs[i].Metadata) {
			t.Errorf("message %d payload %s %s", i, m.Data, m.Metadata)
		}
		if m.Type != "test_message" || m.Created.IsZero() {
			t.Errorf("message %d missing type or created", i)
		}
		if m.Position <= lastPos {
			t.Errorf("position %d is not after %d", m.Position, lastPos)
		}
		lastPos = m.Position
	}
	if p.LastPosition != lastPos || res.CurrentPosition != lastPos {
		t.Errorf("last position %d, result %d, messages %d", p.LastPosition, res.CurrentPosition, lastPos)
	}

	more := Messages(2)
	res = appendTo(t, b, "orders", more)
	if res.CurrentVersion != 4 || res.CurrentPosition <= lastPos {
		t.Fatalf("second append %+v", res)
	}
}

func testCreateEmpty(t *testing.T, b store.Backend) {
	err := b.Update(context.Background(), "empty", func(tx store.Tx) error {
		return tx.Create()
	})
	if err != nil {
		t.Fatal(err)
	}
	var st store.State
	var exists bool
	err = b.Update(context.Background(), "empty", func(tx store.Tx) (err error) {
		st, exists, err = tx.State()
		return
	})
	if err != nil {
		t.Fatal(err)
	}
	if !exists || st.Version != stream.End || st.Position != stream.NoPosition || st.Visible != 0 {
		t.Fatalf("empty stream state %+v exists=%v", st, exists)
	}
	p := readAllOf(t, b, "empty")
	if p.Status != stream.Success || len(p.Messages) != 0 || !p.IsEnd || p.LastVersion != stream.End {
		t.Fatalf("empty stream page %+v", p)
	}
}

func testReadUnknownStream(t *testing.T, b store.Backend) {
	p := readAllOf(t, b, "missing")
	if p.Status != stream.StreamNotFound || len(p.Messages) != 0 {
		t.Fatalf("unknown stream page %+v", p)
	}
	p, err := b.ReadStreamBackwards(context.Background(), "missing", stream.End, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != stream.StreamNotFound {
		t.Fatalf("unknown stream backwards page %+v", p)
	}
}

func testReadBackwards(t *testing.T, b store.Backend) {
	msgs := Messages(4)
	appendTo(t, b, "orders", msgs)
	p, err := b.ReadStreamBackwards(context.Background(), "orders", stream.End, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 2 || p.Messages[0].Version != 3 || p.Messages[1].Version != 2 {
		t.Fatalf("backwards page %+v", p)
	}
	if p.IsEnd || p.NextVersion != 1 || p.Direction != stream.Backwards {
		t.Fatalf("backwards page state %+v", p)
	}
	p, err = b.ReadStreamBackwards(context.Background(), "orders", p.NextVersion, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 2 || p.Messages[1].ID != msgs[0].ID || !p.IsEnd {
		t.Fatalf("second backwards page %+v", p)
	}
}

func testPaging(t *testing.T, b store.Backend) {
	msgs := Messages(7)
	appendTo(t, b, "orders", msgs)
	var read []stream.Message
	from := stream.Start
	for range 10 {
		p, err := b.ReadStreamForwards(context.Background(), "orders", from, 3, true)
		if err != nil {
			t.Fatal(err)
		}
		read = append(read, p.Messages...)
		if p.IsEnd {
			break
		}
		if len(p.Messages) != 3 {
			t.Fatalf("short page %d before end", len(p.Messages))
		}
		from = p.NextVersion
	}
	if len(read) != 7 {
		t.Fatalf("paged %d messages", len(read))
	}
	for i, m := range read {
		if m.ID != msgs[i].ID {
			t.Fatalf("message %d out of order", i)
		}
	}
}

func testVersionOfAndIDs(t *testing.T, b store.Backend) {
	msgs := Messages(5)
	appendTo(t, b, "orders", msgs)
	err := b.Update(context.Background(), "orders", func(tx store.Tx) error {
		v, ok, err := tx.VersionOf(msgs[3].ID)
		if err != nil {
			return err
		}
		if !ok || v != 3 {
			return fmt.Errorf("version of message 3 is %d %v", v, ok)
		}
		_, ok, err = tx.VersionOf(uuid.Must(uuid.NewV7()))
		if err != nil {
			return err
		}
		if ok {
			return errors.New("unknown id has a version")
		}
		ids, err := tx.IDs(2, 2)
		if err != nil {
			return err
		}
		if len(ids) != 2 || ids[0] != msgs[2].ID || ids[1] != msgs[3].ID {
			return fmt.Errorf("ids from 2 %v", ids)
		}
		ids, err = tx.IDs(4, 10)
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] != msgs[4].ID {
			return fmt.Errorf("ids from 4 %v", ids)
		}
		ids, err = tx.IDs(5, 10)
		if err != nil {
			return err
		}
		if len(ids) != 0 {
			return fmt.Errorf("ids past end %v", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func deleteMessage(t *testing.T, b store.Backend, id stream.ID, mid uuid.UUID) bool {
	t.Helper()
	var deleted bool
	err := b.Update(context.Background(), id, func(tx store.Tx) (err error) {
		deleted, err = tx.DeleteMessage(mid)
		return
	})
	if err != nil {
		t.Fatal(err)
	}
	return deleted
}

func testDeleteMessage(t *testing.T, b store.Backend) {
	msgs := Messages(3)
	appendTo(t, b, "orders", msgs)
	if !deleteMessage(t, b, "orders", msgs[1].ID) {
		t.Fatal("message was not deleted")
	}
	if deleteMessage(t, b, "orders", msgs[1].ID) {
		t.Fatal("message deleted twice")
	}
	if deleteMessage(t, b, "orders", uuid.Must(uuid.NewV7())) {
		t.Fatal("unknown message deleted")
	}
	if deleteMessage(t, b, "missing", msgs[0].ID) {
		t.Fatal("message deleted from unknown stream")
	}
	p := readAllOf(t, b, "orders")
	if len(p.Messages) != 2 || p.Messages[0].Version != 0 || p.Messages[1].Version != 2 {
		t.Fatalf("page after delete %+v", p)
	}
	if p.LastVersion != 2 {
		t.Fatalf("last version moved to %d after delete", p.LastVersion)
	}
	err := b.Update(context.Background(), "orders", func(tx store.Tx) error {
		st, _, err := tx.State()
		if err != nil {
			return err
		}
		if st.Visible != 2 || st.Version != 2 {
			return fmt.Errorf("state after delete %+v", st)
		}
		v, ok, err := tx.VersionOf(msgs[1].ID)
		if err != nil {
			return err
		}
		if !ok || v != 1 {
			return errors.New("deleted id left the index")
		}
		ids, err := tx.IDs(0, 10)
		if err != nil {
			return err
		}
		if len(ids) != 3 {
			return fmt.Errorf("ids include %d entries, expected deleted ones too", len(ids))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func testDeleteStream(t *testing.T, b store.Backend) {
	msgs := Messages(3)
	appendTo(t, b, "orders", msgs)
	deleteMessage(t, b, "orders", msgs[0].ID)
	var ids []uuid.UUID
	err := b.Update(context.Background(), "orders", func(tx store.Tx) (err error) {
		ids, err = tx.DeleteStream()
		return
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != msgs[1].ID || ids[1] != msgs[2].ID {
		t.Fatalf("deleted ids %v", ids)
	}
	p := readAllOf(t, b, "orders")
	if p.Status != stream.StreamNotFound {
		t.Fatalf("deleted stream page %+v", p)
	}
	err = b.Update(context.Background(), "orders", func(tx store.Tx) (err error) {
		ids, err = tx.DeleteStream()
		return
	})
	if err != nil || len(ids) != 0 {
		t.Fatalf("deleting missing stream %v %v", ids, err)
	}
}

func testRecreateStream(t *testing.T, b store.Backend) {
	first := appendTo(t, b, "orders", Messages(2))
	err := b.Update(context.Background(), "orders", func(tx store.Tx) error {
		_, err := tx.DeleteStream()
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs := Messages(1)
	res := appendTo(t, b, "orders", msgs)
	if res.CurrentVersion != 0 || res.CurrentPosition <= first.CurrentPosition {
		t.Fatalf("recreated stream %+v after %+v", res, first)
	}
	all, err := b.ReadAllForwards(context.Background(), 0, 100, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Messages) != 1 || all.Messages[0].ID != msgs[0].ID {
		t.Fatalf("all page after recreate %+v", all)
	}
}

func testReadAll(t *testing.T, b store.Backend) {
	a := Messages(2)
	c := Messages(2)
	appendTo(t, b, "a", a[:1])
	appendTo(t, b, "c", c[:1])
	appendTo(t, b, "a", a[1:])
	appendTo(t, b, "c", c[1:])
	deleteMessage(t, b, "c", c[0].ID)

	p, err := b.ReadAllForwards(context.Background(), 0, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 2 || p.Messages[0].ID != a[0].ID || p.Messages[1].ID != a[1].ID || p.IsEnd {
		t.Fatalf("first all page %+v", p)
	}
	if p.Messages[0].StreamID != "a" {
		t.Fatalf("all message stream %s", p.Messages[0].StreamID)
	}
	p, err = b.ReadAllForwards(context.Background(), p.NextPosition, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 1 || p.Messages[0].ID != c[1].ID || !p.IsEnd {
		t.Fatalf("second all page %+v", p)
	}
	p, err = b.ReadAllForwards(context.Background(), p.NextPosition, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 0 || !p.IsEnd {
		t.Fatalf("all page past head %+v", p)
	}

	p, err = b.ReadAllBackwards(context.Background(), stream.HeadPosition, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 3 || p.Messages[0].ID != c[1].ID || p.Messages[2].ID != a[0].ID || !p.IsEnd {
		t.Fatalf("backwards all page %+v", p)
	}
}

func testHeadPosition(t *testing.T, b store.Backend) {
	head, err := b.ReadHeadPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if head != stream.NoPosition {
		t.Fatalf("empty store head %d", head)
	}
	msgs := Messages(2)
	res := appendTo(t, b, "orders", msgs)
	head, err = b.ReadHeadPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if head != res.CurrentPosition {
		t.Fatalf("head %d after append at %d", head, res.CurrentPosition)
	}
	deleteMessage(t, b, "orders", msgs[1].ID)
	head, err = b.ReadHeadPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if head != res.CurrentPosition {
		t.Fatalf("head moved to %d after delete", head)
	}
}

var errAbort = errors.New("abort")

func testRollback(t *testing.T, b store.Backend) {
	appendTo(t, b, "orders", Messages(1))
	err := b.Update(context.Background(), "orders", func(tx store.Tx) error {
		_, err := tx.Append(Messages(2))
		if err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	p := readAllOf(t, b, "orders")
	if len(p.Messages) != 1 || p.LastVersion != 0 {
		t.Fatalf("rolled back append is visible %+v", p)
	}
	err = b.Update(context.Background(), "fresh", func(tx store.Tx) error {
		err := tx.Create()
		if err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if p := readAllOf(t, b, "fresh"); p.Status != stream.StreamNotFound {
		t.Fatalf("rolled back create is visible %+v", p)
	}
}

func testLazyPayload(t *testing.T, b store.Backend) {
	msgs := Messages(2)
	appendTo(t, b, "orders", msgs)
	p, err := b.ReadStreamForwards(context.Background(), "orders", stream.Start, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Messages) != 2 {
		t.Fatalf("lazy page %+v", p)
	}
	for i, m := range p.Messages {
		if m.Data != nil {
			t.Errorf("message %d was prefetched", i)
		}
		data, err := m.Payload(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != string(msgs[i].Data) {
			t.Errorf("lazy payload %d is %s", i, data)
		}
	}
	all, err := b.ReadAllForwards(context.Background(), 0, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	data, err := all.Messages[0].Payload(context.Background())
	if err != nil || string(data) != string(msgs[0].Data) {
		t.Fatalf("lazy all payload %s %v", data, err)
	}
}

// testConcurrentSameStream appends from many goroutines using the tail each
// saw as expected version. Versions must stay contiguous and unique.
func testConcurrentSameStream(t *testing.T, b store.Backend) {
	const writers = 8
	const perWriter = 5
	wg := sync.WaitGroup{}
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				err := b.Update(context.Background(), "contended", func(tx store.Tx) error {
					_, err := tx.Append(Messages(1))
					return err
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	p := readAllOf(t, b, "contended")
	if len(p.Messages) != writers*perWriter {
		t.Fatalf("read %d messages", len(p.Messages))
	}
	seen := make(map[uuid.UUID]struct{})
	for i, m := range p.Messages {
		if m.Version != stream.Version(i) {
			t.Fatalf("message %d has version %d", i, m.Version)
		}
		if _, ok := seen[m.ID]; ok {
			t.Fatalf("message %s read twice", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
}

func testConcurrentStreams(t *testing.T, b store.Backend) {
	wg := sync.WaitGroup{}
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := stream.ID(fmt.Sprintf("stream-%d", i))
			for range 5 {
				err := b.Update(context.Background(), id, func(tx store.Tx) error {
					_, err := tx.Append(Messages(2))
					return err
				})
				if err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	all, err := b.ReadAllForwards(context.Background(), 0, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Messages) != 40 {
		t.Fatalf("read %d messages from all", len(all.Messages))
	}
	for i := 1; i < len(all.Messages); i++ {
		if all.Messages[i].Position <= all.Messages[i-1].Position {
			t.Fatal("all page is not ordered by position")
		}
	}
}

func testCanceled(t *testing.T, b store.Backend) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Update(ctx, "orders", func(tx store.Tx) error {
		_, err := tx.Append(Messages(1))
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("update with canceled context returned %v", err)
	}
	_, err = b.ReadStreamForwards(ctx, "orders", stream.Start, 10, true)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("read with canceled context returned %v", err)
	}
}
