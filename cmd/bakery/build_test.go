package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActions(t *testing.T) {
	actions, err := parseActions([]string{"dep", "img"})
	require.NoError(t, err)
	assert.Equal(t, map[action]bool{actionDep: true, actionImg: true}, actions)
}

func TestParseActionsBuildUmbrella(t *testing.T) {
	actions, err := parseActions([]string{"build"})
	require.NoError(t, err)
	assert.Equal(t, map[action]bool{actionDep: true, actionImg: true, actionPush: true}, actions)
}

func TestParseActionsBuildExclusive(t *testing.T) {
	_, err := parseActions([]string{"build", "img"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build action already covers")
}

func TestParseActionsUnknown(t *testing.T) {
	_, err := parseActions([]string{"deploy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown action "deploy"`)
}

func TestParsePurgeScope(t *testing.T) {
	opts, err := parsePurgeScope("old")
	require.NoError(t, err)
	assert.False(t, opts.CurrentVersion)
	assert.False(t, opts.Runners)

	opts, err = parsePurgeScope("all:runner")
	require.NoError(t, err)
	assert.True(t, opts.CurrentVersion)
	assert.True(t, opts.Runners)

	_, err = parsePurgeScope("everything")
	require.Error(t, err)
}
