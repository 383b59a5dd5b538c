package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestREPL_Execute(t *testing.T) {
	backendKind = "memory"
	t.Cleanup(func() { backendKind = "" })
	a := &app{}
	require.NoError(t, a.open())
	defer a.close()

	var out bytes.Buffer
	repl := REPL{app: a, out: &out}

	require.NoError(t, repl.Execute("put net/key hello world"))
	require.NoError(t, repl.Execute("get net/key"))
	assert.Equal(t, "\"hello world\"\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("get net/key 6 3"))
	assert.Equal(t, "\"wor\"\n", out.String())

	out.Reset()
	require.NoError(t, repl.Execute("dump"))
	assert.Contains(t, out.String(), "pool 0")
	assert.Contains(t, out.String(), "01.1.000:\tkey")

	out.Reset()
	require.NoError(t, repl.Execute("check"))
	assert.Equal(t, "1 keys, 0 stale records removed\n", out.String())

	require.NoError(t, repl.Execute("delete net/key"))
	assert.Error(t, repl.Execute("get net/key"))
	require.NoError(t, repl.Execute("put a b"))
	require.NoError(t, repl.Execute("erase"))
	assert.Error(t, repl.Execute("get a"))

	assert.ErrorIs(t, repl.Execute("put onlykey"), ErrUsage)
	assert.ErrorIs(t, repl.Execute("get k x"), ErrUsage)
	assert.NoError(t, repl.Execute(""))
	assert.Equal(t, io.EOF, repl.Execute("quit"))
}
