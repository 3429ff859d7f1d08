package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/storage"
)

// fabricsKey is the single storage key holding the serialized fabric
// table. The whole table is rewritten on every mutation, like the
// resumption store.
const fabricsKey = "table"

// loadFabrics restores the commissioned fabric set from storage.
func loadFabrics(store storage.Store, table *fabric.Table) error {
	data, err := store.Get(fabricsKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("node: loading fabrics: %w", err)
	}

	var infos []*fabric.Info
	if err := json.Unmarshal(data, &infos); err != nil {
		return fmt.Errorf("node: decoding fabrics: %w", err)
	}
	for _, info := range infos {
		if err := table.Add(info); err != nil {
			return fmt.Errorf("node: restoring fabric %s: %w", info.Index, err)
		}
	}
	return nil
}

// saveFabrics writes the current fabric set through to storage.
func saveFabrics(store storage.Store, table *fabric.Table) error {
	var infos []*fabric.Info
	_ = table.ForEach(func(info *fabric.Info) error {
		infos = append(infos, info)
		return nil
	})

	data, err := json.Marshal(infos)
	if err != nil {
		return fmt.Errorf("node: encoding fabrics: %w", err)
	}
	return store.Set(fabricsKey, data)
}
