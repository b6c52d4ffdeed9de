package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/glyphware/grimoire/pkg/schema"
)

// Spellbook is an in-memory SpellSource, populated at startup from
// configuration. The engine treats spells as read-only; Register exists for
// wiring and tests.
type Spellbook struct {
	mu     sync.RWMutex
	spells map[string]*schema.Spell
}

func NewSpellbook() *Spellbook {
	return &Spellbook{spells: make(map[string]*schema.Spell)}
}

func (b *Spellbook) Register(sp *schema.Spell) error {
	if sp == nil || sp.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "spell id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spells[sp.ID] = sp
	return nil
}

func (b *Spellbook) GetSpell(ctx context.Context, id string) (*schema.Spell, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sp, ok := b.spells[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "spell not found: %s", id)
	}
	return sp, nil
}

func (b *Spellbook) List() []*schema.Spell {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*schema.Spell, 0, len(b.spells))
	for _, sp := range b.spells {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var _ SpellSource = (*Spellbook)(nil)
