package timer

import "testing"

func TestSetArmsSoonestDeadline(t *testing.T) {
	var w Wheel
	w.Set(1000, 500) // fires at 1500
	armed, ok := w.Armed()
	if !ok || armed != 1500 {
		t.Fatalf("want armed=1500, got %d ok=%v", armed, ok)
	}
	w.Set(1000, 200) // fires at 1200, sooner
	armed, ok = w.Armed()
	if !ok || armed != 1200 {
		t.Fatalf("want armed=1200 after sooner Set, got %d ok=%v", armed, ok)
	}
}

func TestSetDeduplicatesTicks(t *testing.T) {
	var w Wheel
	w.Set(0, 100)
	w.Set(0, 100)
	if w.Len() != 1 {
		t.Fatalf("want 1 deduplicated entry, got %d", w.Len())
	}
}

func TestExpireRemovesPastEntriesAndRearms(t *testing.T) {
	var w Wheel
	w.Set(0, 100) // 100
	w.Set(0, 300) // 300
	w.Set(0, 500) // 500

	fired := w.Expire(300)
	if fired != 2 {
		t.Fatalf("want 2 entries fired, got %d", fired)
	}
	armed, ok := w.Armed()
	if !ok || armed != 500 {
		t.Fatalf("want remaining armed=500, got %d ok=%v", armed, ok)
	}
	if w.Len() != 1 {
		t.Fatalf("want 1 entry left, got %d", w.Len())
	}
}

func TestExpireWithNothingDueLeavesArmUnchanged(t *testing.T) {
	var w Wheel
	w.Set(0, 1000)
	if fired := w.Expire(500); fired != 0 {
		t.Fatalf("want 0 fired, got %d", fired)
	}
	armed, ok := w.Armed()
	if !ok || armed != 1000 {
		t.Fatalf("want armed=1000 unchanged, got %d ok=%v", armed, ok)
	}
}

func TestArmedFalseWhenEmpty(t *testing.T) {
	var w Wheel
	if _, ok := w.Armed(); ok {
		t.Fatal("want Armed() ok=false on empty wheel")
	}
}
