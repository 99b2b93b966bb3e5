package cachevalidator

import (
	"testing"
	"time"
)

func TestCountValidatorValidateThenExpire(t *testing.T) {
	v := NewCountValidator(2)
	v.AllocateSlots(4)

	if v.IsSlotValid(0) {
		t.Fatal("a never-validated slot must report invalid")
	}

	v.UpdateValidity()
	v.ValidateSlot(0)

	if !v.IsSlotValid(0) {
		t.Fatal("a freshly validated slot must report valid")
	}

	v.UpdateValidity() // ops[0] = 1
	if !v.IsSlotValid(0) {
		t.Fatal("slot must still be valid after 1 op")
	}

	v.UpdateValidity() // ops[0] = 2
	if !v.IsSlotValid(0) {
		t.Fatal("slot must still be valid after maxOps ops")
	}

	v.UpdateValidity() // ops[0] = 3, exceeds maxOps
	if v.IsSlotValid(0) {
		t.Fatal("slot must expire once ops exceed maxOps")
	}
}

func TestCountValidatorInvalidate(t *testing.T) {
	v := NewCountValidator(100)
	v.AllocateSlots(1)
	v.UpdateValidity()
	v.ValidateSlot(0)

	v.InvalidateSlot(0)

	if v.IsSlotValid(0) {
		t.Fatal("an explicitly invalidated slot must report invalid")
	}
}

func TestTimedValidatorValidateThenExpire(t *testing.T) {
	v := NewTimedValidator(10 * time.Millisecond)
	v.AllocateSlots(1)

	base := time.Unix(0, 0)
	clock := base
	v.SetClock(func() time.Time { return clock })

	v.UpdateValidity()
	v.ValidateSlot(0)

	clock = base.Add(9 * time.Millisecond)
	v.UpdateValidity()

	if !v.IsSlotValid(0) {
		t.Fatal("slot must still be valid within maxAge")
	}

	clock = base.Add(11 * time.Millisecond)
	v.UpdateValidity()

	if v.IsSlotValid(0) {
		t.Fatal("slot must expire past maxAge")
	}
}
