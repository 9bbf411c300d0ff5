package bus

import (
	"strings"
	"testing"
	"time"
)

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]string{
		"TopicItemClaimed":     TopicItemClaimed,
		"TopicItemSettled":     TopicItemSettled,
		"TopicItemRequeued":    TopicItemRequeued,
		"TopicWorkerSettled":   TopicWorkerSettled,
		"TopicBudgetExhausted": TopicBudgetExhausted,
		"TopicCompactionSaved": TopicCompactionSaved,
		"TopicCuratorReport":   TopicCuratorReport,
		"TopicLifecycleStatus": TopicLifecycleStatus,
		"TopicSessionReset":    TopicSessionReset,
	}
	seen := make(map[string]string)
	for name, topic := range topics {
		if topic == "" {
			t.Fatalf("%s is empty", name)
		}
		if prev, dup := seen[topic]; dup {
			t.Fatalf("%s and %s share topic %q", name, prev, topic)
		}
		seen[topic] = name
	}
}

func TestLifecyclePrefix_CoversReset(t *testing.T) {
	if !strings.HasPrefix(TopicSessionReset, "lifecycle.") {
		t.Fatalf("session reset topic %q must sit under lifecycle.", TopicSessionReset)
	}

	b := New()
	sub := b.Subscribe("lifecycle.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionReset, SessionResetEvent{OldSessionID: "s1", NewSessionID: "s2"})
	select {
	case ev := <-sub.Ch():
		reset, ok := ev.Payload.(SessionResetEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if reset.OldSessionID != "s1" || reset.NewSessionID != "s2" {
			t.Fatalf("unexpected payload %+v", reset)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reset event")
	}
}
