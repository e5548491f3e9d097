package citydata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParsesNumericAndStringIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"cityId": 5, "name": "深圳", "pinyin": "sz"},
		{"cityId": "7", "name": "广州", "pinyin": "gz"}
	]`), 0644))

	cities, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cities, 2)
	require.Equal(t, "5", cities[0].ID)
	require.Equal(t, "深圳", cities[0].Name)
	require.Equal(t, "7", cities[1].ID)
	require.Equal(t, "gz", cities[1].Pinyin)
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cities, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, Default, cities)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cities.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not": "a list"}`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestFindAndPinyinOf(t *testing.T) {
	cities := []City{
		{ID: "5", Name: "深圳", Pinyin: "sz"},
		{ID: "7", Name: "广州", Pinyin: "gz"},
	}
	require.NotNil(t, Find(cities, "7"))
	require.Nil(t, Find(cities, "8"))
	require.Equal(t, "sz", PinyinOf(cities, " 5 "))
	require.Equal(t, "", PinyinOf(cities, "unknown"))
}
