package chainspecs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/compresslabs/treemirror/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSpec_Embedded(t *testing.T) {
	spec, err := ReadSpec("devnet")
	require.NoError(t, err)
	assert.Equal(t, "devnet", spec.ID)
	assert.False(t, common.IsNilHash(spec.ProgramID))
	require.Len(t, spec.Trees, 2)
	assert.Equal(t, uint8(14), spec.Trees[0].Depth)
	assert.Zero(t, spec.Trees[1].Depth)
}

func TestReadSpec_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	body := `{
		"id": "local",
		"program_id": "0x01",
		"trees": [{"id": "0x02", "depth": 3}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	spec, err := ReadSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "local", spec.ID)
	assert.Equal(t, common.HexToHash("0x02"), spec.Trees[0].ID)
}

func TestReadSpec_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no-program":     `{"id": "x", "trees": [{"id": "0x02"}]}`,
		"no-trees":       `{"id": "x", "program_id": "0x01", "trees": []}`,
		"duplicate-tree": `{"id": "x", "program_id": "0x01", "trees": [{"id": "0x02"}, {"id": "0x02"}]}`,
		"bad-depth":      `{"id": "x", "program_id": "0x01", "trees": [{"id": "0x02", "depth": 99}]}`,
	}
	for name, body := range cases {
		path := filepath.Join(dir, name+".json")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := ReadSpec(path)
		assert.Error(t, err, name)
	}
}

func TestReadSpec_MissingFile(t *testing.T) {
	_, err := ReadSpec("/nonexistent/spec.json")
	require.Error(t, err)
}
