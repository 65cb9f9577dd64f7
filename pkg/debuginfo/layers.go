package debuginfo

import "github.com/kmemscope/kmemscope/pkg/kmem"

// Layers combines several sources of debug metadata. Lookups are tried in
// order and the first source that knows a name wins, so a layout file
// listed before an ELF image overrides it.
type Layers []kmem.Debuginfo

// LookupType implements kmem.Debuginfo.
func (ls Layers) LookupType(name string) (*kmem.Type, bool) {
	for _, l := range ls {
		if t, ok := l.LookupType(name); ok {
			return t, true
		}
	}
	return nil, false
}

// LookupSymbol implements kmem.Debuginfo.
func (ls Layers) LookupSymbol(name string) (kmem.Symbol, bool) {
	for _, l := range ls {
		if s, ok := l.LookupSymbol(name); ok {
			if s.Type == nil {
				// a later layer may know the type of the variable
				for _, l2 := range ls {
					if s2, ok := l2.LookupSymbol(name); ok && s2.Type != nil {
						s.Type = s2.Type
						break
					}
				}
			}
			return s, true
		}
	}
	return kmem.Symbol{}, false
}
