package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSubscriber(rdb, zerolog.Nop()), rdb, mr
}

func runSubscriberInBackground(ctx context.Context, t *testing.T, s *Subscriber) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() { <-done })
}

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return Event{}
	}
}

func TestDispatchStorageUpdate(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, rdb, _ := newTestSubscriber(t)
	runSubscriberInBackground(ctx, t, sub)
	waitUntilSubscribed(t, rdb, ChannelStorageUpdate)

	rdb.Publish(ctx, ChannelStorageUpdate, `{"storage":7,"path":"files/a/b.txt","file_id":42}`)

	ev := waitForEvent(t, sub.Events)
	if ev.StorageUpdate == nil {
		t.Fatal("expected a StorageUpdate event")
	}
	if ev.StorageUpdate.Storage != 7 || ev.StorageUpdate.Path != "files/a/b.txt" || ev.StorageUpdate.FileID != 42 {
		t.Errorf("StorageUpdate = %+v, want {7 files/a/b.txt 42}", ev.StorageUpdate)
	}
}

func TestDispatchTestCookie(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, rdb, _ := newTestSubscriber(t)
	runSubscriberInBackground(ctx, t, sub)
	waitUntilSubscribed(t, rdb, ChannelTestCookie)

	rdb.Publish(ctx, ChannelTestCookie, "9")

	ev := waitForEvent(t, sub.Events)
	if ev.TestCookie == nil || *ev.TestCookie != 9 {
		t.Errorf("TestCookie = %v, want 9", ev.TestCookie)
	}
}

func TestDispatchConfigLogRestore(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, rdb, _ := newTestSubscriber(t)
	runSubscriberInBackground(ctx, t, sub)
	waitUntilSubscribed(t, rdb, ChannelConfig)

	rdb.Publish(ctx, ChannelConfig, `"log_restore"`)

	ev := waitForEvent(t, sub.Events)
	if ev.Config == nil || !ev.Config.Restore {
		t.Errorf("Config = %+v, want Restore=true", ev.Config)
	}
}

func TestDispatchConfigLogSpec(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, rdb, _ := newTestSubscriber(t)
	runSubscriberInBackground(ctx, t, sub)
	waitUntilSubscribed(t, rdb, ChannelConfig)

	rdb.Publish(ctx, ChannelConfig, `{"log_spec":"debug"}`)

	ev := waitForEvent(t, sub.Events)
	if ev.Config == nil || ev.Config.LogSpec != "debug" {
		t.Errorf("Config = %+v, want LogSpec=debug", ev.Config)
	}
}

func TestDispatchSignalReset(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, rdb, _ := newTestSubscriber(t)
	runSubscriberInBackground(ctx, t, sub)
	waitUntilSubscribed(t, rdb, ChannelSignal)

	rdb.Publish(ctx, ChannelSignal, `"reset"`)

	ev := waitForEvent(t, sub.Events)
	if ev.Signal == nil || *ev.Signal != "reset" {
		t.Errorf("Signal = %v, want reset", ev.Signal)
	}
}

func TestDecodeRejectsUnknownChannel(t *testing.T) {
	t.Parallel()
	if _, err := decode("not_a_real_channel", "{}"); err == nil {
		t.Fatal("expected an error for an unrecognized channel")
	}
}

func TestDecodeMalformedPayloadDoesNotPanic(t *testing.T) {
	t.Parallel()
	if _, err := decode(ChannelStorageUpdate, "not json"); err == nil {
		t.Fatal("expected an error for a malformed payload")
	}
}

func TestMalformedPayloadIsDiscardedNotFatal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sub, rdb, _ := newTestSubscriber(t)
	runSubscriberInBackground(ctx, t, sub)
	waitUntilSubscribed(t, rdb, ChannelStorageUpdate)

	rdb.Publish(ctx, ChannelStorageUpdate, "not json at all")
	rdb.Publish(ctx, ChannelStorageUpdate, `{"storage":1,"path":"p","file_id":2}`)

	ev := waitForEvent(t, sub.Events)
	if ev.StorageUpdate == nil || ev.StorageUpdate.Storage != 1 {
		t.Errorf("expected the well-formed event to still arrive, got %+v", ev)
	}
}

// waitUntilSubscribed polls until miniredis reports at least one subscriber on channel, avoiding a race between
// publishing a test message and the background Run goroutine completing its Subscribe call.
func waitUntilSubscribed(t *testing.T, rdb *redis.Client, channel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := rdb.PubSubNumSub(context.Background(), channel).Result()
		if err == nil && n[channel] > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a subscriber on %s", channel)
}
