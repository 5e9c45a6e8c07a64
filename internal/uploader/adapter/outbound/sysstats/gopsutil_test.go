package sysstats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostSample(t *testing.T) {
	h := NewHost()

	cpuPercent, memPercent, err := h.Sample(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cpuPercent, 0.0)
	assert.LessOrEqual(t, cpuPercent, 100.0)
	assert.Greater(t, memPercent, 0.0)
	assert.LessOrEqual(t, memPercent, 100.0)
}
