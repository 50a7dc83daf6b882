package metrics

import "testing"

func TestSnapshotReflectsUpdates(t *testing.T) {
	m := New()

	m.ActiveConnectionCount.Set(3)
	m.TotalConnectionCount.Add(5)
	m.MessagesSentFile.Inc()
	m.MessagesSentFile.Inc()

	snap := m.Snapshot()

	if got := snap["active_connection_count"]; got != 3 {
		t.Errorf("active_connection_count = %v, want 3", got)
	}
	if got := snap["total_connection_count"]; got != 5 {
		t.Errorf("total_connection_count = %v, want 5", got)
	}
	if got := snap["messages_sent_file"]; got != 2 {
		t.Errorf("messages_sent_file = %v, want 2", got)
	}
}

func TestSnapshotHasEveryDocumentedCounter(t *testing.T) {
	m := New()
	snap := m.Snapshot()

	want := []string{
		"active_connection_count",
		"active_user_count",
		"total_connection_count",
		"mapping_query_count",
		"events_received",
		"messages_sent",
		"messages_sent_file",
		"messages_sent_notification",
		"messages_sent_activity",
		"messages_sent_custom",
	}
	for _, name := range want {
		if _, ok := snap[name]; !ok {
			t.Errorf("snapshot missing %q", name)
		}
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	if m.Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}
