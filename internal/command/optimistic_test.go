package command

import (
	"errors"
	"testing"
)

func TestOptimistic_Apply(t *testing.T) {
	t.Parallel()

	o := NewOptimistic("small")
	var during string
	if err := o.Apply("turbo", func() error {
		during = o.Get()
		return nil
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if during != "turbo" {
		t.Errorf("value during op = %q, want the new value", during)
	}
	if got := o.Get(); got != "turbo" {
		t.Errorf("Get = %q, want turbo", got)
	}

	boom := errors.New("load failed")
	if err := o.Apply("large", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Apply error = %v", err)
	}
	if got := o.Get(); got != "turbo" {
		t.Errorf("Get after failure = %q, want rollback to turbo", got)
	}
}

func TestOptimistic_RollbackKeepsNewerValue(t *testing.T) {
	t.Parallel()

	o := NewOptimistic(1)
	err := o.Apply(2, func() error {
		o.Set(3)
		return errors.New("failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := o.Get(); got != 3 {
		t.Errorf("Get = %d, want 3", got)
	}
}
