package execution

import (
	"github.com/tidwall/btree"

	"github.com/atmx/duel-engine/internal/model"
)

// book holds one symbol's resting orders in submission order. It is guarded
// by the engine mutex.
type book struct {
	tree *btree.BTreeG[*model.Order]
}

func newBook() *book {
	return &book{
		tree: btree.NewBTreeGOptions(func(a, b *model.Order) bool {
			return a.Seq < b.Seq
		}, btree.Options{NoLocks: true}),
	}
}

func (b *book) add(o *model.Order)    { b.tree.Set(o) }
func (b *book) remove(o *model.Order) { b.tree.Delete(o) }
func (b *book) len() int              { return b.tree.Len() }

// each visits orders in ascending sequence until fn returns false.
func (b *book) each(fn func(o *model.Order) bool) {
	b.tree.Scan(fn)
}
