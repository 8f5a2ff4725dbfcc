package programmer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_PutReplaces(t *testing.T) {
	r := NewRegistry()
	r.Put(Device{ID: 5, ModelNumber: 777, Present: true})
	r.Put(Device{ID: 5, ModelNumber: 2825, Present: true})

	require.Equal(t, 1, r.Len())
	d, ok := r.Get(5)
	require.True(t, ok)
	assert.Equal(t, uint16(2825), d.ModelNumber)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int{42, 3, 17} {
		r.Put(Device{ID: id})
	}

	var ids []int
	for _, d := range r.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []int{3, 17, 42}, ids)
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry()
	r.Put(Device{ID: 1})
	assert.True(t, r.Has(1))

	r.Clear()
	assert.False(t, r.Has(1))
	assert.Zero(t, r.Len())
	assert.Empty(t, r.List())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.Put(Device{ID: id})
			r.List()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}

func TestModelNames(t *testing.T) {
	names := DefaultModelNames()
	assert.Equal(t, "STS 3215", names.Name(777))
	assert.Equal(t, "Unknown Model 4242", names.Name(4242))

	merged := names.Merge(map[uint16]string{4242: "Prototype", 777: "ST3215"})
	assert.Equal(t, "Prototype", merged.Name(4242))
	assert.Equal(t, "ST3215", merged.Name(777))
	assert.Equal(t, "STS 3215", names.Name(777), "merge must not modify the receiver")

	var empty ModelNames
	assert.Equal(t, "X", empty.Merge(map[uint16]string{1: "X"}).Name(1))
}

func TestDevice_String(t *testing.T) {
	d := Device{ID: 3, ModelNumber: 777, ModelName: "STS 3215"}
	assert.Equal(t, "ID 3: STS 3215 (model 777)", d.String())
}
