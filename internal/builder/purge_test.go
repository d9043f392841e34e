package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPurgeSelection(t *testing.T) {
	s := &PurgeService{}

	// Unlabelled artifacts are never ours to remove.
	assert.False(t, s.selected(map[string]string{}, PurgeOptions{CurrentVersion: true}))

	current := map[string]string{LabelVersion: Version}
	old := map[string]string{LabelVersion: "0.0.1"}

	assert.False(t, s.selected(current, PurgeOptions{}))
	assert.True(t, s.selected(current, PurgeOptions{CurrentVersion: true}))
	assert.True(t, s.selected(old, PurgeOptions{}))
	assert.True(t, s.selected(old, PurgeOptions{CurrentVersion: true}))
}
