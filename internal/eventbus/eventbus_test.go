package eventbus

import "testing"

func TestPublishDeliversInPriorityOrder(t *testing.T) {
	b := New(nil)
	var order []string

	b.Subscribe(TopicTaskCompleted, 10, func(Event) { order = append(order, "last") })
	b.Subscribe(TopicTaskCompleted, 1, func(Event) { order = append(order, "first") })
	b.Subscribe(TopicTaskCompleted, 5, func(Event) { order = append(order, "mid") })

	b.Publish(TopicTaskCompleted, nil)

	want := []string{"first", "mid", "last"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	b := New(nil)
	secondRan := false

	b.Subscribe(TopicAttackIncoming, 1, func(Event) { panic("boom") })
	b.Subscribe(TopicAttackIncoming, 10, func(Event) { secondRan = true })

	b.Publish(TopicAttackIncoming, nil)

	if !secondRan {
		t.Fatalf("expected second listener to run despite first listener panicking")
	}
}

func TestOnceListenerFiresOnlyOnce(t *testing.T) {
	b := New(nil)
	calls := 0
	b.Once(TopicQuestClaimable, 0, func(Event) { calls++ })

	b.Publish(TopicQuestClaimable, nil)
	b.Publish(TopicQuestClaimable, nil)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestUnsubscribeRemovesListener(t *testing.T) {
	b := New(nil)
	calls := 0
	unsub := b.Subscribe(TopicScanComplete, 0, func(Event) { calls++ })

	b.Publish(TopicScanComplete, nil)
	unsub()
	b.Publish(TopicScanComplete, nil)

	if calls != 1 {
		t.Fatalf("expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestRecentBoundsToRingCapacity(t *testing.T) {
	b := New(nil)
	for i := 0; i < RingCapacity+10; i++ {
		b.Publish(TopicPhaseChanged, i)
	}
	recent := b.Recent()
	if len(recent) != RingCapacity {
		t.Fatalf("expected %d buffered events, got %d", RingCapacity, len(recent))
	}
	first := recent[0].Payload.(int)
	if first != 10 {
		t.Errorf("expected oldest retained event payload 10, got %v", first)
	}
}
