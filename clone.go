// SPDX-License-Identifier: Apache-2.0

package deeptree

import "github.com/huandu/go-clone"

// Cloner produces an independent deep copy of a data tree node.
//
// The copy must share no mutable substructure with the input and must keep
// its shape. A Cloner is called with any node the merge engine decides to copy
// rather than merge, including sequences and scalars, and the engine may
// modify the copy it gets back.
type Cloner interface {
	Clone(node any) any
}

// ClonerFunc adapts a function to the [Cloner] interface.
type ClonerFunc func(node any) any

// Clone calls f(node).
func (f ClonerFunc) Clone(node any) any {
	return f(node)
}

// DefaultCloner is the [Cloner] used when [Options] does not set one.
var DefaultCloner Cloner = ClonerFunc(Clone)

// Clone returns a deep copy of node.
//
// Mappings, sequences, arrays and pointers are copied recursively and keep
// their concrete types, so a []map[string]any stays a []map[string]any. Nil
// containers clone to nil containers of the same type. Scalars are returned
// as-is.
func Clone(node any) any {
	return clone.Clone(node)
}
