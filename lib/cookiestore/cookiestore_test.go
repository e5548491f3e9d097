package cookiestore

import (
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDeduplicates(t *testing.T) {
	records := []Record{
		{Name: "a", Value: "1"},
		{Name: "a", Value: "2", Domain: ".91160.COM"},
		{Name: "", Value: "dropped"},
		{Name: "b", Value: "3", Domain: "user.91160.com", Path: "/user"},
	}

	got := Normalize(records)
	require.Len(t, got, 2)

	var a Record
	for _, r := range got {
		if r.Name == "a" {
			a = r
		}
	}
	// last write wins on the (domain, path, name) key
	require.Equal(t, "2", a.Value)
	require.Equal(t, "/", a.Path)
}

func TestNormalizeIdempotent(t *testing.T) {
	records := []Record{
		{Name: "x", Value: "1", Domain: ".91160.com"},
		{Name: "y", Value: "2"},
		{Name: "x", Value: "3"},
	}
	once := Normalize(records)
	twice := Normalize(once)
	diff := cmp.Diff(once, twice)
	if diff != "" {
		t.Fatal(diff)
	}
}

func TestHasCredential(t *testing.T) {
	require.False(t, HasCredential(nil))
	require.False(t, HasCredential([]Record{{Name: "other", Value: "x"}}))
	require.False(t, HasCredential([]Record{{Name: CredentialCookie, Value: ""}}))
	require.True(t, HasCredential([]Record{
		{Name: "other", Value: "x"},
		{Name: CredentialCookie, Value: "abc"},
	}))
}

func TestValuesDistinct(t *testing.T) {
	records := []Record{
		{Name: "access_hash", Value: "k1", Domain: "www.91160.com"},
		{Name: "access_hash", Value: "k1", Domain: "user.91160.com"},
		{Name: "access_hash", Value: "k2", Domain: ".91160.com"},
		{Name: "access_hash", Value: "", Domain: "gate.91160.com"},
		{Name: "other", Value: "k3"},
	}
	require.ElementsMatch(t, []string{"k1", "k2"}, Values(records, "access_hash"))
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	store := NewStore(path)

	// missing file is "no session yet"
	records, err := store.Load()
	require.NoError(t, err)
	require.Empty(t, records)

	saved := []Record{
		{Name: "access_hash", Value: "tok"},
		{Name: "sid", Value: "1", Domain: "user.91160.com", Path: "/user"},
	}
	require.NoError(t, store.Save(saved))

	records, err = store.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.True(t, HasCredential(records))
}

func TestStoreRejectsEmptySave(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "cookies.json"))
	require.Error(t, store.Save(nil))
	require.Error(t, store.Save([]Record{{Name: "", Value: "x"}}))
}

func TestStoreLoadsLegacyMap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	err := os.WriteFile(path, []byte(`{"access_hash":"tok","sid":"1"}`), 0o644)
	require.NoError(t, err)

	records, err := NewStore(path).Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, r := range records {
		require.Equal(t, SiteDomain, r.Domain)
		require.Equal(t, "/", r.Path)
	}
	require.True(t, HasCredential(records))
}

func TestApplyAndHarvest(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	Apply(jar, []Record{
		{Name: "access_hash", Value: "tok"},
		{Name: "bad", Value: "x", Domain: "not a domain"},
	})

	u, _ := url.Parse("https://www.91160.com/")
	cookies := jar.Cookies(u)
	require.Len(t, cookies, 1)
	require.Equal(t, "access_hash", cookies[0].Name)

	harvested := Harvest(jar)
	require.True(t, HasCredential(harvested))
}
