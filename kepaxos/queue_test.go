package kepaxos

import (
	"testing"
	"time"
)

func TestQueueOrdersByPriority(t *testing.T) {
	var queue = NewPriorityBlockingQueue[int](func(a, b int) bool { return a < b })
	queue.Offer(3)
	queue.Offer(1)
	queue.Offer(2)
	for _, expected := range []int{1, 2, 3} {
		item, present := queue.Poll(time.Second)
		if !present || item != expected {
			t.Fatalf("polled %d (%v), expected %d", item, present, expected)
		}
	}
	if queue.Size() != 0 {
		t.Fatalf("queue still has %d items", queue.Size())
	}
}

func TestQueuePollTimesOut(t *testing.T) {
	var queue = NewPriorityBlockingQueue[int](func(a, b int) bool { return a < b })
	var started = time.Now()
	if _, present := queue.Poll(50 * time.Millisecond); present {
		t.Fatal("empty queue answered a poll")
	}
	if time.Since(started) < 40*time.Millisecond {
		t.Fatal("poll returned before its timeout")
	}
}

func TestQueuePollWakesOnOffer(t *testing.T) {
	var queue = NewPriorityBlockingQueue[string](func(a, b string) bool { return a < b })
	go func() {
		time.Sleep(20 * time.Millisecond)
		queue.Offer("item")
	}()
	item, present := queue.Poll(time.Second)
	if !present || item != "item" {
		t.Fatalf("polled %q (%v)", item, present)
	}
}
