package postprocess

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrLastPrompt is returned when deleting the only remaining prompt.
	ErrLastPrompt = errors.New("postprocess: cannot delete the last prompt")

	// ErrPromptNotFound is returned for unknown prompt IDs.
	ErrPromptNotFound = errors.New("postprocess: prompt not found")

	// ErrInvalidPrompt is returned for a prompt without a name.
	ErrInvalidPrompt = errors.New("postprocess: prompt name must not be empty")
)

// Prompt is a named post-processing template.
type Prompt struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Template string `json:"prompt"`
}

// PersistFunc stores the prompt list and the selected prompt ID. A failing
// PersistFunc rolls the change back.
type PersistFunc func(prompts []Prompt, selected string) error

// Prompts is the prompt store. It is safe for concurrent use.
type Prompts struct {
	mu       sync.RWMutex
	prompts  []Prompt
	selected string
	persist  PersistFunc
}

// NewPrompts returns a store holding initial. selected falls back to the first
// prompt when it names no prompt. persist may be nil.
func NewPrompts(initial []Prompt, selected string, persist PersistFunc) *Prompts {
	p := &Prompts{persist: persist}
	p.set(initial, selected)
	return p
}

// Replace swaps the whole list without persisting, for configuration reloads.
func (p *Prompts) Replace(prompts []Prompt, selected string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set(prompts, selected)
}

func (p *Prompts) set(prompts []Prompt, selected string) {
	p.prompts = slices.Clone(prompts)
	p.selected = selected
	if p.index(selected) < 0 {
		p.selected = ""
		if len(p.prompts) > 0 {
			p.selected = p.prompts[0].ID
		}
	}
}

// List returns a copy of all prompts in insertion order.
func (p *Prompts) List() []Prompt {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.prompts)
}

// Get returns the prompt with id.
func (p *Prompts) Get(id string) (Prompt, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := p.index(id)
	if i < 0 {
		return Prompt{}, fmt.Errorf("%w: %q", ErrPromptNotFound, id)
	}
	return p.prompts[i], nil
}

// Selected returns the selected prompt. ok is false when the store is empty.
func (p *Prompts) Selected() (prompt Prompt, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := p.index(p.selected)
	if i < 0 {
		return Prompt{}, false
	}
	return p.prompts[i], true
}

// Select makes id the selected prompt.
func (p *Prompts) Select(id string) error {
	return p.mutate(func() error {
		if p.index(id) < 0 {
			return fmt.Errorf("%w: %q", ErrPromptNotFound, id)
		}
		p.selected = id
		return nil
	})
}

// Add creates a prompt with a fresh ID.
func (p *Prompts) Add(name, template string) (Prompt, error) {
	if strings.TrimSpace(name) == "" {
		return Prompt{}, ErrInvalidPrompt
	}
	np := Prompt{ID: "prompt_" + uuid.NewString(), Name: name, Template: template}
	err := p.mutate(func() error {
		p.prompts = append(p.prompts, np)
		if p.selected == "" {
			p.selected = np.ID
		}
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return np, nil
}

// Update changes the name and template of prompt id.
func (p *Prompts) Update(id, name, template string) (Prompt, error) {
	if strings.TrimSpace(name) == "" {
		return Prompt{}, ErrInvalidPrompt
	}
	up := Prompt{ID: id, Name: name, Template: template}
	err := p.mutate(func() error {
		i := p.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrPromptNotFound, id)
		}
		p.prompts[i] = up
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return up, nil
}

// Delete removes prompt id. The last prompt cannot be deleted. Deleting the
// selected prompt selects the first remaining one.
func (p *Prompts) Delete(id string) error {
	return p.mutate(func() error {
		i := p.index(id)
		if i < 0 {
			return fmt.Errorf("%w: %q", ErrPromptNotFound, id)
		}
		if len(p.prompts) == 1 {
			return ErrLastPrompt
		}
		p.prompts = slices.Delete(p.prompts, i, i+1)
		if p.selected == id {
			p.selected = p.prompts[0].ID
		}
		return nil
	})
}

// mutate applies fn and persists the result, restoring the previous state
// when either step fails.
func (p *Prompts) mutate(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prevPrompts, prevSelected := slices.Clone(p.prompts), p.selected
	if err := fn(); err != nil {
		return err
	}
	if p.persist == nil {
		return nil
	}
	if err := p.persist(slices.Clone(p.prompts), p.selected); err != nil {
		p.prompts, p.selected = prevPrompts, prevSelected
		return fmt.Errorf("postprocess: persist prompts: %w", err)
	}
	return nil
}

// index returns the position of id or -1. Must be called with mu held.
func (p *Prompts) index(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(p.prompts, func(pr Prompt) bool { return pr.ID == id })
}
