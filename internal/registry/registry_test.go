package registry

import (
	"path/filepath"
	"testing"

	"github.com/okkerhart/printwatch/internal/storage"
	"github.com/okkerhart/printwatch/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	store, err := storage.NewBoltStorage(storage.StorageConfig{
		DBPath: filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)
	return reg
}

func testPrinters() []types.PrinterEndpoint {
	return []types.PrinterEndpoint{
		{ID: "p1", Name: "Voron", URL: "http://voron.local", APIKey: "k1", IsDefault: true},
		{ID: "p2", Name: "Prusa", URL: "http://prusa.local", APIKey: "k2"},
		{ID: "p3", Name: "Ender", URL: "http://ender.local", APIKey: "k3"},
	}
}

func TestRegistryReplaceAll(t *testing.T) {
	t.Run("IdenticalReplacementFiresNoEvents", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var events []Event
		sub := reg.Subscribe(func(e Event) { events = append(events, e) })
		defer sub.Close()

		// Value-equal but object-distinct list.
		require.NoError(t, reg.ReplaceAll(testPrinters()))
		assert.Empty(t, events)
	})

	t.Run("ChangedListFiresPrintersChanged", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var events []Event
		sub := reg.Subscribe(func(e Event) { events = append(events, e) })
		defer sub.Close()

		changed := testPrinters()
		changed[1].APIKey = "rotated"
		require.NoError(t, reg.ReplaceAll(changed))

		require.Len(t, events, 1)
		assert.Equal(t, EventPrintersChanged, events[0].Kind)
	})

	t.Run("DefaultIdentityChangeFiresDefaultChanged", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var kinds []EventKind
		sub := reg.Subscribe(func(e Event) { kinds = append(kinds, e.Kind) })
		defer sub.Close()

		changed := testPrinters()
		changed[0].IsDefault = false
		changed[2].IsDefault = true
		require.NoError(t, reg.ReplaceAll(changed))

		assert.Equal(t, []EventKind{EventPrintersChanged, EventDefaultChanged}, kinds)
	})

	t.Run("TransitionToEmptyNotifiesNoDefault", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var gotDefault *types.PrinterEndpoint
		var defaultEvents int
		sub := reg.Subscribe(func(e Event) {
			if e.Kind == EventDefaultChanged {
				defaultEvents++
				gotDefault = e.Default
			}
		})
		defer sub.Close()

		require.NoError(t, reg.ReplaceAll(nil))
		assert.Equal(t, 1, defaultEvents)
		assert.Nil(t, gotDefault)
	})
}

func TestRegistryDefault(t *testing.T) {
	t.Run("ExactlyOneDefaultAfterSetDefault", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		require.NoError(t, reg.SetDefault("p2"))

		defaults := 0
		for _, p := range reg.List() {
			if p.IsDefault {
				defaults++
				assert.Equal(t, "p2", p.ID)
			}
		}
		assert.Equal(t, 1, defaults)
	})

	t.Run("UnknownIdentifierIsNoOp", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var events []Event
		sub := reg.Subscribe(func(e Event) { events = append(events, e) })
		defer sub.Close()

		require.NoError(t, reg.SetDefault("nope"))
		assert.Empty(t, events)
		assert.Equal(t, "p1", reg.Default().ID)
	})

	t.Run("SettingCurrentDefaultIsNoOp", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var events []Event
		sub := reg.Subscribe(func(e Event) { events = append(events, e) })
		defer sub.Close()

		require.NoError(t, reg.SetDefault("p1"))
		assert.Empty(t, events)
	})

	t.Run("EmptyRegistryHasNoDefault", func(t *testing.T) {
		reg := newTestRegistry(t)
		assert.Nil(t, reg.Default())
	})

	t.Run("NormalizesListWithoutDefault", func(t *testing.T) {
		reg := newTestRegistry(t)

		printers := testPrinters()
		printers[0].IsDefault = false
		require.NoError(t, reg.ReplaceAll(printers))

		def := reg.Default()
		require.NotNil(t, def)
		assert.Equal(t, "p1", def.ID)
	})
}

func TestRegistryPrimaryMutations(t *testing.T) {
	t.Run("FirstAddBecomesDefault", func(t *testing.T) {
		reg := newTestRegistry(t)

		require.NoError(t, reg.Add(types.PrinterEndpoint{ID: "p1", Name: "Voron"}))

		def := reg.Default()
		require.NotNil(t, def)
		assert.Equal(t, "p1", def.ID)
	})

	t.Run("RemoveDefaultPromotesFirstRemaining", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		require.NoError(t, reg.Remove("p1"))

		def := reg.Default()
		require.NotNil(t, def)
		assert.Equal(t, "p2", def.ID)
		assert.Len(t, reg.List(), 2)
	})

	t.Run("DuplicateAddFails", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.Add(types.PrinterEndpoint{ID: "p1", Name: "Voron"}))

		err := reg.Add(types.PrinterEndpoint{ID: "p1", Name: "Other"})
		assert.Error(t, err)
	})

	t.Run("UpdateUnchangedIsNoOp", func(t *testing.T) {
		reg := newTestRegistry(t)
		require.NoError(t, reg.ReplaceAll(testPrinters()))

		var events []Event
		sub := reg.Subscribe(func(e Event) { events = append(events, e) })
		defer sub.Close()

		require.NoError(t, reg.Update(testPrinters()[1]))
		assert.Empty(t, events)
	})
}

func TestRegistryPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	store, err := storage.NewBoltStorage(storage.StorageConfig{DBPath: dbPath})
	require.NoError(t, err)

	reg, err := NewRegistry(store, nil)
	require.NoError(t, err)
	require.NoError(t, reg.ReplaceAll(testPrinters()))
	require.NoError(t, reg.SetDefault("p3"))
	require.NoError(t, store.Close())

	// A fresh process reads the cached list before any live sync.
	store2, err := storage.NewBoltStorage(storage.StorageConfig{DBPath: dbPath})
	require.NoError(t, err)
	defer store2.Close()

	reg2, err := NewRegistry(store2, nil)
	require.NoError(t, err)

	assert.Len(t, reg2.List(), 3)
	def := reg2.Default()
	require.NotNil(t, def)
	assert.Equal(t, "p3", def.ID)
}

func TestSubscriptionClose(t *testing.T) {
	reg := newTestRegistry(t)

	var calls int
	sub := reg.Subscribe(func(e Event) { calls++ })

	require.NoError(t, reg.ReplaceAll(testPrinters()[:1]))
	firstCalls := calls
	assert.Greater(t, firstCalls, 0)

	sub.Close()
	sub.Close() // double close is safe

	require.NoError(t, reg.ReplaceAll(testPrinters()))
	assert.Equal(t, firstCalls, calls)
}
