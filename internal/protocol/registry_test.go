package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type pointerListener struct{ n int }

func (*pointerListener) HandlePublication(Publication, string) {}

type valueListener struct{ name string }

func (valueListener) HandlePublication(Publication, string) {}

func TestSameListener(t *testing.T) {
	p1, p2 := &pointerListener{}, &pointerListener{}
	fn := ListenerFunc(func(Publication, string) {})

	tests := []struct {
		name string
		a, b Listener
		want bool
	}{
		{"same pointer", p1, p1, true},
		{"different pointers", p1, p2, false},
		{"equal values", valueListener{"a"}, valueListener{"a"}, true},
		{"different values", valueListener{"a"}, valueListener{"b"}, false},
		{"different types", p1, valueListener{"a"}, false},
		{"funcs never match", fn, fn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sameListener(tt.a, tt.b); got != tt.want {
				t.Errorf("sameListener = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPendingCalls(t *testing.T) {
	p := newPendingCalls()
	c, err := p.register("a")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.register("a"); !errors.Is(err, ErrDuplicateRequestID) {
		t.Errorf("expected ErrDuplicateRequestID, got %v", err)
	}

	if got := p.take("a"); got != c {
		t.Fatal("take returned a different call")
	}
	if p.take("a") != nil {
		t.Error("second take must find nothing")
	}

	c2, _ := p.register("b")
	p.failAll(ErrConnectionLost)
	if _, err := c2.wait(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("expected ErrConnectionLost, got %v", err)
	}
	if p.len() != 0 {
		t.Errorf("failAll left %d calls", p.len())
	}

	// A stale release must not evict a newer waiter with the same id.
	fresh, _ := p.register("b")
	p.release(c2)
	if p.take("b") != fresh {
		t.Error("release evicted a newer call")
	}
}

func TestSubscriptionRegistry_Order(t *testing.T) {
	r := newSubscriptionRegistry()
	l := &pointerListener{}
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		r.addUnlessDuplicate(newSubscription(ctx, id, "tradeAccount", json.RawMessage(`{"accountId":"`+id+`"}`), l))
	}
	if existing, added := r.addUnlessDuplicate(newSubscription(ctx, "d", "tradeAccount", json.RawMessage(`{"accountId":"b"}`), l)); added || existing.id != "b" {
		t.Errorf("duplicate registered: added=%v id=%s", added, existing.id)
	}

	before := r.active()
	r.remove("b")

	got := r.active()
	if len(got) != 2 || got[0].id != "a" || got[1].id != "c" {
		t.Errorf("unexpected order after remove: %v", ids(got))
	}
	if len(before) != 3 || before[1].id != "b" {
		t.Errorf("snapshot mutated by remove: %v", ids(before))
	}
}

func ids(subs []*subscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.id
	}
	return out
}
