package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voteraction/rollimport-worker/internal/rollparser"
)

func writeRoll(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roll.txt")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestRunPrintsPreviewAndVoters(t *testing.T) {
	path := writeRoll(t, "ABC1234567\nName: Asha Devi\nAge: 30")

	var out bytes.Buffer
	err := run(&out, path, &options{village: "Rampur", area: "Ward 2", preview: 500})
	require.NoError(t, err)

	s := out.String()
	assert.True(t, strings.HasPrefix(s, "--- Raw Text Start ---\nABC1234567"))
	idx := strings.Index(s, "--- Raw Text End ---\n")
	require.NotEqual(t, -1, idx)

	var voters []rollparser.Voter
	require.NoError(t, json.Unmarshal([]byte(s[idx+len("--- Raw Text End ---\n"):]), &voters))
	require.Len(t, voters, 1)
	assert.Equal(t, "ABC1234567", voters[0].EPIC)
	assert.Equal(t, "Rampur", voters[0].Village)
	assert.Equal(t, "Ward 2", voters[0].Area)
}

func TestRunTruncatesLongPreview(t *testing.T) {
	path := writeRoll(t, "ABC1234567\nName: Asha Devi\nAge: 30")

	var out bytes.Buffer
	require.NoError(t, run(&out, path, &options{preview: 10}))
	assert.True(t, strings.HasPrefix(out.String(), "--- Raw Text Start ---\nABC1234567...\n--- Raw Text End ---\n"))
}

func TestRunStatsWithoutPreview(t *testing.T) {
	path := writeRoll(t, "ABC1234567\nName: Asha Devi\nAge: 30")

	var out bytes.Buffer
	require.NoError(t, run(&out, path, &options{stats: true}))

	var res rollparser.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 1, res.Pages)
	assert.Len(t, res.Records, 1)
}

func TestRunMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, filepath.Join(t.TempDir(), "missing.txt"), &options{})
	assert.Error(t, err)
	assert.Empty(t, out.String())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc...", preview("abcdef", 3))
	assert.Equal(t, "abc", preview("abc", 3))
	assert.Equal(t, "ab", preview("ab", 3))
	assert.Equal(t, "नाम...", preview("नाम : राम", 3))
}

func TestRootCmdRequiresFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
