package postprocess

import (
	"errors"
	"strings"
	"testing"
)

func TestPrompts_CRUD(t *testing.T) {
	t.Parallel()

	var persisted []Prompt
	ps := NewPrompts([]Prompt{{ID: "default", Name: "Default", Template: "@output"}}, "", func(p []Prompt, _ string) error {
		persisted = p
		return nil
	})

	if sel, ok := ps.Selected(); !ok || sel.ID != "default" {
		t.Fatalf("Selected() = %+v, %v", sel, ok)
	}

	added, err := ps.Add("Email", "Write an email: ${output}")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !strings.HasPrefix(added.ID, "prompt_") {
		t.Errorf("ID = %q, want prompt_ prefix", added.ID)
	}
	if len(persisted) != 2 {
		t.Errorf("persisted %d prompts, want 2", len(persisted))
	}

	if _, err := ps.Update(added.ID, "Mail", "Mail: @output"); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := ps.Get(added.ID)
	if err != nil || got.Name != "Mail" || got.Template != "Mail: @output" {
		t.Errorf("Get = %+v, %v", got, err)
	}

	if err := ps.Select(added.ID); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := ps.Delete(added.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if sel, _ := ps.Selected(); sel.ID != "default" {
		t.Errorf("selected after deleting it = %q, want default", sel.ID)
	}
	if err := ps.Delete("default"); !errors.Is(err, ErrLastPrompt) {
		t.Errorf("Delete(last) = %v, want ErrLastPrompt", err)
	}
}

func TestPrompts_Errors(t *testing.T) {
	t.Parallel()
	ps := NewPrompts([]Prompt{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}}, "b", nil)

	if _, err := ps.Get("zzz"); !errors.Is(err, ErrPromptNotFound) {
		t.Errorf("Get = %v", err)
	}
	if _, err := ps.Update("zzz", "x", ""); !errors.Is(err, ErrPromptNotFound) {
		t.Errorf("Update = %v", err)
	}
	if err := ps.Delete("zzz"); !errors.Is(err, ErrPromptNotFound) {
		t.Errorf("Delete = %v", err)
	}
	if _, err := ps.Add(" ", "x"); err == nil {
		t.Error("Add with blank name should fail")
	}
	if sel, _ := ps.Selected(); sel.ID != "b" {
		t.Errorf("selected = %q, want b", sel.ID)
	}
}

func TestPrompts_PersistFailureRollsBack(t *testing.T) {
	t.Parallel()
	ps := NewPrompts([]Prompt{{ID: "a", Name: "A"}}, "a", func([]Prompt, string) error {
		return errors.New("disk full")
	})

	if _, err := ps.Add("B", "x"); err == nil {
		t.Fatal("expected persist error")
	}
	if n := len(ps.List()); n != 1 {
		t.Errorf("List() has %d prompts after failed add, want 1", n)
	}
	if _, err := ps.Update("a", "renamed", ""); err == nil {
		t.Fatal("expected persist error")
	}
	if got, _ := ps.Get("a"); got.Name != "A" {
		t.Errorf("name = %q after failed update", got.Name)
	}
}

func TestPrompts_Replace(t *testing.T) {
	t.Parallel()
	ps := NewPrompts([]Prompt{{ID: "a", Name: "A"}}, "a", nil)
	ps.Replace([]Prompt{{ID: "x", Name: "X"}, {ID: "y", Name: "Y"}}, "missing")

	if sel, _ := ps.Selected(); sel.ID != "x" {
		t.Errorf("selected = %q, want x", sel.ID)
	}
	if len(ps.List()) != 2 {
		t.Errorf("List() = %v", ps.List())
	}
}
