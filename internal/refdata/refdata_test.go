package refdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyUUIDKnownService(t *testing.T) {
	tables := MustLoad()
	id, ok := tables.IdentifyUUID("1800")
	require.True(t, ok)
	assert.Equal(t, CategoryService, id.Category)
	assert.Equal(t, "1800", id.Short)
	assert.NotEmpty(t, id.Name)
}

func TestIdentifyUUIDUnknown(t *testing.T) {
	tables := MustLoad()
	_, ok := tables.IdentifyUUID("dead")
	assert.False(t, ok)
}

func TestTranslateUUIDRoundTrip(t *testing.T) {
	tables := MustLoad()
	tr, err := tables.TranslateUUID("0x1800")
	require.NoError(t, err)
	assert.Equal(t, "16-bit", tr.Format)
	assert.Equal(t, "1800", tr.ShortForm)
	assert.Equal(t, "00001800-0000-1000-8000-00805f9b34fb", tr.Normalized128)
}

func TestTranslateUUIDMultipleCategories(t *testing.T) {
	// 004c is both a member UUID (Apple) and, if ever collided with a
	// service/characteristic table, must surface both matches.
	tables := MustLoad()
	tr, err := tables.TranslateUUID("004c")
	require.NoError(t, err)
	require.NotEmpty(t, tr.Matches)
	found := false
	for _, m := range tr.Matches {
		if m.Category == CategoryMember {
			found = true
		}
	}
	assert.True(t, found)
}

func Test128BitCustomUUIDHasNoShortForm(t *testing.T) {
	tables := MustLoad()
	tr, err := tables.TranslateUUID("12345678-1234-5678-1234-567812345678")
	require.NoError(t, err)
	assert.Equal(t, "128-bit", tr.Format)
	assert.Empty(t, tr.ShortForm)
	assert.Empty(t, tr.Matches)
}

func TestInvalidUUIDReturnsError(t *testing.T) {
	tables := MustLoad()
	_, err := tables.TranslateUUID("not-a-uuid")
	assert.Error(t, err)
}

func TestVendorLookup(t *testing.T) {
	tables := MustLoad()
	name, ok := tables.Vendor(76)
	require.True(t, ok)
	assert.Contains(t, name, "Apple")
}

func TestAppearanceLookup(t *testing.T) {
	tables := MustLoad()
	name, ok := tables.Appearance(960)
	require.True(t, ok)
	assert.Equal(t, "Generic HID", name)
}
