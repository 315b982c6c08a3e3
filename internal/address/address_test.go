package address

import "testing"

func TestValueOrdering(t *testing.T) {
	a, err := New("10.0.0.1", 1000)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New("10.0.0.1", 2000)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New("10.0.0.2", 0)
	if err != nil {
		t.Fatal(err)
	}

	if !a.Less(b) {
		t.Fatalf("expected %v < %v", a, b)
	}
	if !b.Less(c) {
		t.Fatalf("expected a higher port to never cross into the next IP: %v should be < %v", b, c)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a, _ := New("192.168.0.1", 80)
	b, _ := New("192.168.0.5", 80)

	if a.Distance(b) != b.Distance(a) {
		t.Fatalf("distance must be symmetric: %v vs %v", a.Distance(b), b.Distance(a))
	}
	if a.Distance(a) != 0 {
		t.Fatalf("distance to self must be zero")
	}
}

func TestZero(t *testing.T) {
	var z Address
	if !z.Zero() {
		t.Fatal("zero value Address should report Zero() == true")
	}
	a, _ := New("127.0.0.1", 1)
	if a.Zero() {
		t.Fatal("a concrete address should not be Zero()")
	}
}

func TestEqual(t *testing.T) {
	a, _ := New("10.0.0.1", 100)
	b, _ := New("10.0.0.1", 100)
	c, _ := New("10.0.0.1", 101)
	if !a.Equal(b) {
		t.Fatal("expected equal addresses")
	}
	if a.Equal(c) {
		t.Fatal("expected different ports to be unequal")
	}
}
