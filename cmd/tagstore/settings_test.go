package main

import (
	"bytes"
	"testing"

	"github.com/drpcorg/tagstore/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const withSettings = `
backend: {kind: memory}
settings:
  - component: 0x20
    entries:
      - key: 0x0001
        base: 1
        max_size: 16
      - key: 0x0100
        base: 10
        max_size: 8
        max_count: 4
        count_tag: 2
`

func TestREPL_Settings(t *testing.T) {
	a := openWith(t, withSettings)
	var out bytes.Buffer
	repl := REPL{app: a, out: &out}

	require.NoError(t, repl.Execute("settings add 0x20 0x0001 gateway one"))
	require.NoError(t, repl.Execute("settings get 0x20 1"))
	assert.Equal(t, "\"gateway one\"\n", out.String())

	require.NoError(t, repl.Execute("settings append 0x20 0x0100 a"))
	require.NoError(t, repl.Execute("settings append 0x20 0x0100 b"))
	require.NoError(t, repl.Execute("settings append 0x20 0x0100 c"))
	out.Reset()
	require.NoError(t, repl.Execute("settings get 0x20 0x0100"))
	assert.Equal(t, "0\t\"a\"\n1\t\"b\"\n2\t\"c\"\n", out.String())

	require.NoError(t, repl.Execute("settings delete 0x20 0x0100 1"))
	out.Reset()
	require.NoError(t, repl.Execute("settings get 0x20 0x0100 1"))
	assert.Equal(t, "\"c\"\n", out.String())

	// add without append replaces the list
	require.NoError(t, repl.Execute("settings add 0x20 0x0100 only"))
	out.Reset()
	require.NoError(t, repl.Execute("settings get 0x20 0x0100"))
	assert.Equal(t, "0\t\"only\"\n", out.String())

	require.NoError(t, repl.Execute("settings wipe 0x20"))
	assert.ErrorIs(t, repl.Execute("settings get 0x20 1"), settings.ErrNotFound)
	out.Reset()
	require.NoError(t, repl.Execute("settings get 0x20 0x0100"))
	assert.Empty(t, out.String())

	assert.ErrorIs(t, repl.Execute("settings get 0x20"), ErrUsage)
	assert.ErrorIs(t, repl.Execute("settings frob 0x20 1"), ErrUsage)
	assert.Error(t, repl.Execute("settings get 0x21 1"))
	assert.ErrorIs(t, repl.Execute("settings get 0x20 0x0999"), settings.ErrUnknownKey)
	assert.Error(t, repl.Execute("settings get 0x20 zz"))
}

func TestApp_Settings(t *testing.T) {
	a := openWith(t, withSettings)

	require.NoError(t, a.settingsAdd("0x20", "1", "6869", false, true))
	var out bytes.Buffer
	require.NoError(t, a.settingsGet(&out, "0x20", "1", ""))
	assert.Equal(t, "\"hi\"\n", out.String())
	assert.Error(t, a.settingsAdd("0x20", "1", "zz", false, true))

	require.NoError(t, a.settingsDelete("0x20", "1", "all"))
	assert.ErrorIs(t, a.settingsGet(&out, "0x20", "1", ""), settings.ErrNotFound)

	require.NoError(t, a.settingsAdd("0x20", "0x100", "x", true, false))
	require.NoError(t, a.settingsDelete("0x20", "0x100", ""))
	ad, err := a.adapter("0x20")
	require.NoError(t, err)
	n, err := ad.Count(0x100)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Error(t, a.settingsDelete("0x20", "0x100", "-1"))
	assert.ErrorIs(t, a.settingsDelete("0x20", "0x100", "0"), settings.ErrNotFound)
}
