package containers

import "testing"

func TestDueQueueOrdersByDueTimeThenID(t *testing.T) {
	q := NewDueQueue()
	q.Insert(3, 100)
	q.Insert(1, 50)
	q.Insert(2, 50)
	q.Insert(4, 200)

	var order []uint64
	for {
		e, ok := q.PopDue(1_000)
		if !ok {
			break
		}
		order = append(order, e.ID)
	}

	want := []uint64{1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestDueQueuePopDueRespectsNow(t *testing.T) {
	q := NewDueQueue()
	q.Insert(1, 100)
	if _, ok := q.PopDue(50); ok {
		t.Fatalf("entry due at 100 should not fire at now=50")
	}
	e, ok := q.PopDue(100)
	if !ok || e.ID != 1 {
		t.Fatalf("expected entry 1 to fire at now=100")
	}
}

func TestDueQueueRemove(t *testing.T) {
	q := NewDueQueue()
	q.Insert(1, 100)
	q.Insert(2, 50)
	if _, ok := q.Remove(1); !ok {
		t.Fatalf("expected to remove id 1")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", q.Len())
	}
	if _, ok := q.Remove(1); ok {
		t.Fatalf("removing an already-removed id should fail")
	}
}

func TestDueQueueReschedule(t *testing.T) {
	q := NewDueQueue()
	q.Insert(1, 100)
	q.Insert(2, 200)
	if !q.Reschedule(1, 300) {
		t.Fatalf("expected reschedule to succeed")
	}
	e, _ := q.Peek()
	if e.ID != 2 {
		t.Fatalf("expected id 2 to now be earliest, got %d", e.ID)
	}
}
