package dasbus

// UnixFD is a Unix file descriptor carried by a DBus message.
//
// In a message ready for sending, or freshly received, a UnixFD value
// holds an index into the message's list of file descriptors rather
// than a file descriptor. [AcquireHandles] and [RestoreHandles]
// convert between the two.
type UnixFD int32

// InvalidFD is the value [RestoreHandles] substitutes for an index
// that does not refer to a file descriptor.
const InvalidFD UnixFD = -1

// AcquireHandles moves every file descriptor in v into a list, and
// returns a copy of v where each file descriptor is replaced by its
// index in the list, along with the list.
//
// If v contains no file descriptors, AcquireHandles returns v itself
// and a nil list.
func AcquireHandles(v Variant) (Variant, []int) {
	if v.IsZero() || !v.sig.hasHandles() {
		return v, nil
	}
	var fds []int
	ret := swapHandles(v, func(fd UnixFD) UnixFD {
		fds = append(fds, int(fd))
		return UnixFD(len(fds) - 1)
	})
	if len(fds) == 0 {
		return v, nil
	}
	return ret, fds
}

// RestoreHandles returns a copy of v where each file descriptor index
// is replaced by the corresponding file descriptor from fds. Indices
// outside of fds are replaced by [InvalidFD].
//
// If fds is nil, RestoreHandles returns v unchanged.
func RestoreHandles(v Variant, fds []int) Variant {
	if fds == nil || v.IsZero() || !v.sig.hasHandles() {
		return v
	}
	return swapHandles(v, func(idx UnixFD) UnixFD {
		if idx < 0 || int(idx) >= len(fds) {
			return InvalidFD
		}
		return UnixFD(fds[idx])
	})
}

// swapHandles returns a copy of v with every UnixFD replaced by
// swap(fd). Values are visited depth first in wire order, with dict
// keys visited before their values.
func swapHandles(v Variant, swap func(UnixFD) UnixFD) Variant {
	return Variant{v.sig, swapValue(v.sig.typ(), v.val, swap)}
}

func swapValue(t Type, val any, swap func(UnixFD) UnixFD) any {
	switch t := t.(type) {
	case BasicType:
		if t == TypeUnixFD {
			return swap(val.(UnixFD))
		}
		return val
	case VariantType:
		return swapHandles(val.(Variant), swap)
	case StructType:
		vals := val.([]any)
		ret := make([]any, len(vals))
		for i, f := range vals {
			ret[i] = swapValue(t.Fields[i], f, swap)
		}
		return ret
	case ArrayType:
		vals := val.([]any)
		ret := make([]any, len(vals))
		for i, e := range vals {
			ret[i] = swapValue(t.Elem, e, swap)
		}
		return ret
	case DictType:
		ents := val.([]DictEntry)
		ret := make([]DictEntry, len(ents))
		for i, e := range ents {
			ret[i] = DictEntry{
				Key:   swapValue(t.Key, e.Key, swap),
				Value: swapValue(t.Value, e.Value, swap),
			}
		}
		return ret
	}
	return val
}
