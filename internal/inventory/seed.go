package inventory

import (
	"encoding/json"
	"fmt"
	"os"
)

// seedFile maps productID → per-store snapshots.
type seedFile map[string][]Snapshot

// LoadSeed builds a MemoryStore from a JSON seed file. A missing file
// yields an empty store so local runs start clean.
func LoadSeed(path string) (*MemoryStore, error) {
	store := NewMemoryStore()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, fmt.Errorf("read inventory seed: %w", err)
	}

	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse inventory seed: %w", err)
	}
	for productID, snaps := range seed {
		for i, s := range snaps {
			if s.StoreID == "" {
				return nil, fmt.Errorf("inventory seed: %s[%d] missing storeId", productID, i)
			}
		}
		store.SetSnapshots(productID, snaps)
	}
	return store, nil
}
