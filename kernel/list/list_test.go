package list

import "testing"

func values(l *List) []int {
	var out []int
	for n := l.Front(); n != nil; n = n.Next() {
		out = append(out, n.Value.(int))
	}
	return out
}

func TestPushBackFront(t *testing.T) {
	var l List
	l.Init()

	a := &Node{Value: 1}
	b := &Node{Value: 2}
	c := &Node{Value: 3}

	l.PushBack(a)
	l.PushBack(b)
	l.PushFront(c)

	if got, exp := values(&l), []int{3, 1, 2}; !equal(got, exp) {
		t.Fatalf("expected %v; got %v", exp, got)
	}
	if l.Len() != 3 {
		t.Fatalf("expected len 3; got %d", l.Len())
	}
}

func TestRemove(t *testing.T) {
	var l List
	l.Init()

	a := &Node{Value: 1}
	b := &Node{Value: 2}
	l.PushBack(a)
	l.PushBack(b)

	l.Remove(a)
	if got, exp := values(&l), []int{2}; !equal(got, exp) {
		t.Fatalf("expected %v; got %v", exp, got)
	}
	if a.Linked() {
		t.Fatal("expected removed node to report unlinked")
	}

	// removing an already-unlinked node is a no-op
	l.Remove(a)
	if l.Len() != 1 {
		t.Fatalf("expected len 1 after redundant remove; got %d", l.Len())
	}
}

func TestPopFront(t *testing.T) {
	var l List
	l.Init()
	l.PushBack(&Node{Value: 1})
	l.PushBack(&Node{Value: 2})

	n := l.PopFront()
	if n.Value.(int) != 1 {
		t.Fatalf("expected to pop 1; got %v", n.Value)
	}
	if l.Len() != 1 {
		t.Fatalf("expected len 1; got %d", l.Len())
	}

	l.PopFront()
	if l.PopFront() != nil {
		t.Fatal("expected PopFront on empty list to return nil")
	}
}

func TestInsertSorted(t *testing.T) {
	var l List
	l.Init()

	less := func(a, b interface{}) bool { return a.(int) < b.(int) }

	l.InsertSorted(&Node{Value: 5}, less)
	l.InsertSorted(&Node{Value: 1}, less)
	l.InsertSorted(&Node{Value: 3}, less)
	l.InsertSorted(&Node{Value: 10}, less)

	if got, exp := values(&l), []int{1, 3, 5, 10}; !equal(got, exp) {
		t.Fatalf("expected sorted %v; got %v", exp, got)
	}
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
