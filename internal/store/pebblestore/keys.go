package pebblestore

import "fmt"

// grid:<id>            → GridRecord
// ord:<gridID>:<level> → ManagedOrder
const (
	prefixGrid  = "grid:"
	prefixOrder = "ord:"
)

func gridKey(id string) []byte {
	return []byte(prefixGrid + id)
}

func orderKey(gridID string, level int) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", prefixOrder, gridID, level))
}

func orderPrefix(gridID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, gridID))
}

// keyUpperBound: наименьший ключ, больший любого ключа с данным префиксом.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
