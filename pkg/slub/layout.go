package slub

import "fmt"

// Layout names the types, members and symbols the allocator model reads.
// The defaults match recent Linux kernels, older kernels can be described
// by changing them.
type Layout struct {
	CacheType      string
	RegistrySymbol string

	// Members of the cache descriptor.
	ListField       string
	CPUSlabField    string
	NameField       string
	ObjectSizeField string
	SizeField       string
	OffsetField     string
	RandomField     string

	// Members of the per-CPU state. ActiveSlabFields lists the candidate
	// names of the active slab pointer, the first one present is used
	// ("slab" since Linux 5.17, "page" before).
	FreelistField    string
	ActiveSlabFields []string
	PartialField     string

	// Members of the slab descriptor.
	NextField    string
	ObjectsField string
	InUseField   string
	SlabFreelist string

	// PartialLimit bounds the number of slabs read from one partial chain.
	PartialLimit int

	// FreelistEncoding is the obfuscation of the free pointers of caches
	// with a freelist key.
	FreelistEncoding FreelistEncoding
}

// FreelistEncoding selects how hardened free pointers are stored.
type FreelistEncoding int

const (
	// SwabEncoding stores ptr ^ random ^ swab(ptr_addr), since Linux 5.7.
	SwabEncoding FreelistEncoding = iota
	// PlainEncoding stores ptr ^ random ^ ptr_addr, Linux 4.14 to 5.6.
	PlainEncoding
)

func (e FreelistEncoding) String() string {
	switch e {
	case SwabEncoding:
		return "swab"
	case PlainEncoding:
		return "plain"
	}
	return fmt.Sprintf("FreelistEncoding(%d)", int(e))
}

// ParseFreelistEncoding parses the name of an encoding as returned by
// FreelistEncoding.String.
func ParseFreelistEncoding(s string) (FreelistEncoding, error) {
	switch s {
	case "swab":
		return SwabEncoding, nil
	case "plain":
		return PlainEncoding, nil
	}
	return 0, fmt.Errorf("unknown freelist encoding %q, want swab or plain", s)
}

// DefaultLayout returns the layout of a Linux kernel.
func DefaultLayout() Layout {
	return Layout{
		CacheType:      "struct kmem_cache",
		RegistrySymbol: "slab_caches",

		ListField:       "list",
		CPUSlabField:    "cpu_slab",
		NameField:       "name",
		ObjectSizeField: "object_size",
		SizeField:       "size",
		OffsetField:     "offset",
		RandomField:     "random",

		FreelistField:    "freelist",
		ActiveSlabFields: []string{"slab", "page"},
		PartialField:     "partial",

		NextField:    "next",
		ObjectsField: "objects",
		InUseField:   "inuse",
		SlabFreelist: "freelist",

		PartialLimit: 1024,
	}
}
