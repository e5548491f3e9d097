package history

import (
	"context"
	"testing"

	"quickdoctor/lib/cookiestore"
	"quickdoctor/lib/grabber"

	"github.com/stretchr/testify/require"
)

func setup(t testing.TB) *Store {
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPresetRoundTrip(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	config := grabber.Config{
		UnitID:      "262",
		DepID:       "1456",
		MemberID:    "88",
		TargetDates: []string{"2024-06-03"},
		TimeTypes:   []string{"am"},
	}
	require.NoError(t, store.SavePreset(ctx, "周一上午", config))

	loaded, err := store.LoadPreset(ctx, "周一上午")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, config, *loaded)

	// upsert keeps a single row per name
	config.TimeTypes = []string{"pm"}
	require.NoError(t, store.SavePreset(ctx, "周一上午", config))

	presets, err := store.ListPresets(ctx)
	require.NoError(t, err)
	require.Len(t, presets, 1)
	require.Equal(t, "周一上午", presets[0].Name)

	require.NoError(t, store.DeletePreset(ctx, "周一上午"))
	missing, err := store.LoadPreset(ctx, "周一上午")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestAccountDefaultFlagIsExclusive(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	cookies := []cookiestore.Record{{
		Name:   cookiestore.CredentialCookie,
		Value:  "tok",
		Domain: cookiestore.SiteDomain,
		Path:   "/",
	}}
	require.NoError(t, store.SaveAccount(ctx, "alpha", cookies, true))
	require.NoError(t, store.SaveAccount(ctx, "beta", cookies, true))

	name, records, err := store.DefaultAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, "beta", name)
	require.Len(t, records, 1)
	require.Equal(t, "tok", records[0].Value)

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	defaults := 0
	for _, acct := range accounts {
		if acct.IsDefault {
			defaults++
		}
	}
	require.Equal(t, 1, defaults)

	require.NoError(t, store.DeleteAccount(ctx, "beta"))
	name, _, err = store.DefaultAccount(ctx)
	require.NoError(t, err)
	require.Empty(t, name)
}

func TestHistoryOrderAndSuccessCount(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	require.NoError(t, store.RecordGrab(ctx, GrabRecord{
		MemberName: "张三",
		UnitName:   "人民医院",
		Status:     "failed",
		Result:     "max retries reached",
	}))
	require.NoError(t, store.RecordGrab(ctx, GrabRecord{
		MemberName: "张三",
		UnitName:   "人民医院",
		DepName:    "内科",
		DoctorName: "王医生",
		GrabDate:   "2024-06-03",
		TimeSlot:   "09:00-09:30",
		Status:     "success",
	}))

	records, err := store.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	// newest first
	require.Equal(t, "success", records[0].Status)
	require.Equal(t, "王医生", records[0].DoctorName)
	require.Equal(t, "failed", records[1].Status)

	one, err := store.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)

	count, err := store.SuccessCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSettings(t *testing.T) {
	store := setup(t)
	ctx := context.Background()

	value, err := store.GetSetting(ctx, "theme", "light")
	require.NoError(t, err)
	require.Equal(t, "light", value)

	require.NoError(t, store.SetSetting(ctx, "theme", "dark"))
	require.NoError(t, store.SetSetting(ctx, "theme", "darker"))

	value, err = store.GetSetting(ctx, "theme", "light")
	require.NoError(t, err)
	require.Equal(t, "darker", value)
}
