package shellsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTablePutListRemove(t *testing.T) {
	tbl := NewTable()
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.List())

	tbl.Put(&Entry{SessionID: "a", PID: 100, Command: "echo hi"})
	tbl.Put(&Entry{SessionID: "b", PID: 200, Command: "sleep 1", IsPTY: true})
	assert.Equal(t, 2, tbl.Len())

	entries := tbl.List()
	byID := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byID[e.SessionID] = e
	}
	assert.Equal(t, 100, byID["a"].PID)
	assert.True(t, byID["b"].IsPTY)

	tbl.Remove("a")
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, "b", tbl.List()[0].SessionID)
}

func TestTableRemoveUnknownIsNoop(t *testing.T) {
	tbl := NewTable()
	tbl.Remove("missing")
	assert.Equal(t, 0, tbl.Len())
}
