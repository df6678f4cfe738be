package loop

import "strings"

// Mask is a set of event kinds. It is used both as the interest of a
// registry slot and as the kinds carried by a normalized event.
type Mask uint32

const (
	// MaskAdd marks an unused registry slot. It never carries interest.
	MaskAdd    Mask = 0x002
	MaskRead   Mask = 0x004
	MaskWrite  Mask = 0x008
	MaskWatch  Mask = 0x010
	MaskDelete Mask = 0x020
	MaskClose  Mask = 0x040
	MaskOpen   Mask = 0x080
	MaskCreate Mask = 0x100
	MaskMove   Mask = 0x200
)

const interestBits = MaskRead | MaskWrite | MaskWatch | MaskDelete | MaskClose | MaskOpen | MaskCreate | MaskMove

// Interest strips the unused-slot marker and any unknown bits.
func (m Mask) Interest() Mask {
	return m & interestBits
}

// Has reports whether any bit of other is set in m.
func (m Mask) Has(other Mask) bool {
	return m&other != 0
}

func (m Mask) String() string {
	if m == 0 {
		return "NONE"
	}
	names := []struct {
		bit  Mask
		name string
	}{
		{MaskAdd, "ADD"},
		{MaskRead, "READ"},
		{MaskWrite, "WRITE"},
		{MaskWatch, "WATCH"},
		{MaskDelete, "DELETE"},
		{MaskClose, "CLOSE"},
		{MaskOpen, "OPEN"},
		{MaskCreate, "CREATE"},
		{MaskMove, "MOVE"},
	}
	parts := make([]string, 0, 2)
	for _, n := range names {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "UNKNOWN"
	}
	return strings.Join(parts, "|")
}
