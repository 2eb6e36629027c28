package unspath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestGenerateCanaryID(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{
			name: "slashes become dots",
			path: "Secil/Turkey/Cement/PlantX/EdgeA/DeviceA/Temperature/PV",
			want: "Secil.Turkey.Cement.PlantX.EdgeA.DeviceA.Temperature.PV",
		},
		{
			name: "leading and trailing separators ignored",
			path: "/Secil/EdgeA/DeviceA/",
			want: "Secil.EdgeA.DeviceA",
		},
		{
			name: "interior spaces survive",
			path: "Secil/Edge A/Device A",
			want: "Secil.Edge A.Device A",
		},
		{
			name: "disallowed characters escaped",
			path: "Secil/Edge#A/Dev@1",
			want: "Secil.Edge_x0023A.Dev_x00401",
		},
		{
			name:    "blank path rejected",
			path:    "   ",
			wantErr: true,
		},
		{
			name:    "separator-only path rejected",
			path:    "///",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := NewCanaryIDGenerator(zaptest.NewLogger(t))
			got, err := gen.Generate(tt.path)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Tag)
		})
	}
}

func TestGenerateCanaryIDNormalizedPathRoundTrip(t *testing.T) {
	// A path that went through the normaliser only contains allowed
	// characters, so the historian id is exactly the path with "/" replaced
	// by ".".
	gen := NewCanaryIDGenerator(nil)
	path, err := NormalizeMetricPath("Secil", "Edge A", "Dev#1", "Motor 1/Speed (rpm)")
	require.NoError(t, err)

	id, err := gen.Generate(path)
	require.NoError(t, err)
	assert.Equal(t, "Secil.Edge_A.Dev_1.Motor_1.Speed_rpm", id.Tag)
	assert.Zero(t, gen.EscapesTotal())
}

func TestGenerateCanaryIDCollisionTracking(t *testing.T) {
	gen := NewCanaryIDGenerator(zaptest.NewLogger(t))

	_, err := gen.Generate("Secil/Edge#A")
	require.NoError(t, err)
	// Same id from a different source path counts as a collision.
	_, err = gen.Generate("Secil/Edge_x0023A")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen.CollisionsTotal())

	// Repeating the original path is not a collision.
	_, err = gen.Generate("Secil/Edge#A")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen.CollisionsTotal())
}

func TestGenerateCanaryIDEscapeCounter(t *testing.T) {
	gen := NewCanaryIDGenerator(zaptest.NewLogger(t))

	_, err := gen.Generate("Plain/Path")
	require.NoError(t, err)
	assert.Zero(t, gen.EscapesTotal())

	_, err = gen.Generate("Has#Hash/And@At")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen.EscapesTotal())
}

func TestGenerateCanaryIDWithChecksum(t *testing.T) {
	gen := NewCanaryIDGenerator(nil)
	id, err := gen.GenerateWithChecksum("Secil/EdgeA/DeviceA")
	require.NoError(t, err)
	assert.Equal(t, "Secil.EdgeA.DeviceA", id.Tag)
	assert.Len(t, id.Checksum, 8)

	again, err := gen.GenerateWithChecksum("Secil/EdgeA/DeviceA")
	require.NoError(t, err)
	assert.Equal(t, id.Checksum, again.Checksum)
}
