package prompt

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAwaitReceivesDelivery(t *testing.T) {
	b := NewBroker()
	got := make(chan string, 1)
	go func() {
		s, err := b.Await(context.Background(), 1, 2)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		got <- s
	}()

	deadline := time.Now().Add(time.Second)
	for b.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if b.Deliver(1, 3, "other user") {
		t.Fatal("delivered to the wrong user")
	}
	if !b.Deliver(1, 2, "yes") {
		t.Fatal("delivery not consumed")
	}
	if s := <-got; s != "yes" {
		t.Fatalf("got %q", s)
	}
	if b.Deliver(1, 2, "again") {
		t.Fatal("second delivery consumed with no waiter")
	}
}

func TestAwaitCancelReturnsCause(t *testing.T) {
	b := NewBroker()
	cause := errors.New("killed")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(cause)
	}()
	_, err := b.Await(ctx, 1, 1)
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want cause", err)
	}
	if b.Pending() != 0 {
		t.Fatal("waiter leaked")
	}
}

func TestAwaitSuperseded(t *testing.T) {
	b := NewBroker()
	first := make(chan error, 1)
	go func() {
		_, err := b.Await(context.Background(), 5, 5)
		first <- err
	}()
	for b.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() { _, _ = b.Await(ctx, 5, 5) }()

	select {
	case err := <-first:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first waiter not released")
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		in      string
		yes, ok bool
	}{
		{"yes", true, true},
		{" Y ", true, true},
		{"no", false, true},
		{"cancel", false, true},
		{"maybe", false, false},
		{"", false, false},
	}
	for _, tc := range cases {
		yes, ok := Confirm(tc.in)
		if yes != tc.yes || ok != tc.ok {
			t.Fatalf("Confirm(%q) = %v,%v", tc.in, yes, ok)
		}
	}
}
