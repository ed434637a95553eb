package replay

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veristage/theatre/core/pkg/canonicalize"
)

func TestReadDataset(t *testing.T) {
	raw := []byte(`{"episodeId":"ep1","inputData":{"q":"why"}}
{"episodeId":"ep2","inputData":{"q":"how"},"expectedOutput":{"a":"42"}}
`)
	ds, err := ReadDataset(bytes.NewReader(raw), "golden")
	require.NoError(t, err)

	assert.Equal(t, "golden", ds.Name)
	assert.Equal(t, canonicalize.HashBytes(raw), ds.Hash)
	require.Len(t, ds.Episodes, 2)
	assert.Equal(t, "ep1", ds.Episodes[0].EpisodeID)
	assert.Equal(t, map[string]any{"a": "42"}, ds.Episodes[1].ExpectedOutput)
}

func TestReadDataset_Rejections(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"bad json":     `{"episodeId":`,
		"no id":        `{"inputData":{"q":"x"}}`,
		"duplicate id": "{\"episodeId\":\"ep1\"}\n{\"episodeId\":\"ep1\"}",
	}
	for name, raw := range cases {
		_, err := ReadDataset(strings.NewReader(raw), "golden")
		assert.Error(t, err, name)
	}
}

func TestReadDataset_SkipsBlankLines(t *testing.T) {
	raw := "{\"episodeId\":\"ep1\"}\n\n{\"episodeId\":\"ep2\"}\n"
	ds, err := ReadDataset(strings.NewReader(raw), "golden")
	require.NoError(t, err)
	assert.Len(t, ds.Episodes, 2)
}

func TestVerifyAgainst(t *testing.T) {
	raw := []byte(`{"episodeId":"ep1"}` + "\n")
	ds, err := ReadDataset(bytes.NewReader(raw), "golden")
	require.NoError(t, err)

	require.NoError(t, ds.VerifyAgainst(map[string]string{"golden": ds.Hash}))

	err = ds.VerifyAgainst(map[string]string{"golden": strings.Repeat("0", 64)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match committed")

	err = ds.VerifyAgainst(map[string]string{"other": ds.Hash})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not covered by the commitment")
}
