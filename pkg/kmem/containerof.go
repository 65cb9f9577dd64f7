package kmem

// ContainerOf returns the instance of t that has its member field at
// fieldAddr.
func (a *Accessor) ContainerOf(fieldAddr uint64, t *Type, field string) (Value, error) {
	off, err := OffsetOf(t, field)
	if err != nil {
		return Value{}, err
	}
	return Value{Addr: fieldAddr - uint64(off), Type: t}, nil
}

// OffsetOf returns the byte offset of the named member of t.
func OffsetOf(t *Type, field string) (int64, error) {
	f, ok := t.Field(field)
	if !ok {
		return 0, &NoSuchFieldError{Type: t.String(), Field: field}
	}
	return f.Offset, nil
}
