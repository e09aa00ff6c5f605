package frame

import "fmt"

// Category is the one-byte tag that opens every frame. It selects both the
// framing rule and the broadcast channel.
type Category byte

const (
	CategoryTree   Category = 'T'
	CategoryLog    Category = 'L'
	CategoryBinary Category = 'B'
)

var categories = [...]Category{CategoryTree, CategoryLog, CategoryBinary}

// Categories returns every known category in a stable order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories[:])
	return out
}

func (c Category) Valid() bool {
	switch c {
	case CategoryTree, CategoryLog, CategoryBinary:
		return true
	default:
		return false
	}
}

func (c Category) String() string {
	switch c {
	case CategoryTree:
		return "TREE"
	case CategoryLog:
		return "LOG"
	case CategoryBinary:
		return "BIN"
	default:
		return fmt.Sprintf("0x%02x", byte(c))
	}
}
