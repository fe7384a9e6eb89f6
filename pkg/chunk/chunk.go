// Package chunk splits an ordered item list into disjoint, stable chunks.
//
// Chunk i (1-indexed) of total holds the items at positions i-1, i-1+total,
// i-1+2*total and so on. Workers agree on membership without coordinating as long as
// they see the same ordering, and expensive items that cluster in the ordering are
// spread across chunks.
package chunk

import (
	"fmt"
	"strconv"
	"strings"

	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// Spec identifies one chunk of a partition.
type Spec struct {
	Index int `json:"index"`
	Total int `json:"total"`
}

// String renders the spec as "i/n".
func (s Spec) String() string {
	return fmt.Sprintf("%d/%d", s.Index, s.Total)
}

// Validate checks total >= 1 and 1 <= index <= total.
func (s Spec) Validate() error {
	return Validate(s.Index, s.Total)
}

// Validate checks a chunk index against its total.
func Validate(index, total int) error {
	if total < 1 {
		return sdkerrors.NewError(sdkerrors.CodeInvalidChunk,
			fmt.Sprintf("chunk total must be at least 1, got %d", total), nil)
	}
	if index < 1 || index > total {
		return sdkerrors.NewError(sdkerrors.CodeInvalidChunk,
			fmt.Sprintf("chunk index %d is outside 1..%d", index, total), nil)
	}
	return nil
}

// Parse reads a chunk spec of the form "i/n".
func Parse(s string) (Spec, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Spec{}, sdkerrors.NewError(sdkerrors.CodeInvalidChunk,
			fmt.Sprintf("chunk %q is not of the form i/n", s), nil)
	}
	index, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return Spec{}, sdkerrors.NewError(sdkerrors.CodeInvalidChunk,
			fmt.Sprintf("chunk index %q is not a number", left), err)
	}
	total, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return Spec{}, sdkerrors.NewError(sdkerrors.CodeInvalidChunk,
			fmt.Sprintf("chunk total %q is not a number", right), err)
	}
	spec := Spec{Index: index, Total: total}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// All returns the specs 1/total through total/total.
func All(total int) ([]Spec, error) {
	if err := Validate(1, total); err != nil {
		return nil, err
	}
	specs := make([]Spec, total)
	for i := range specs {
		specs[i] = Spec{Index: i + 1, Total: total}
	}
	return specs, nil
}

// Positions returns the positions in a list of n items that belong to chunk index of
// total.
func Positions(n, index, total int) ([]int, error) {
	if err := Validate(index, total); err != nil {
		return nil, err
	}
	if n <= 0 || index > n {
		return []int{}, nil
	}
	out := make([]int, 0, (n-index)/total+1)
	for p := index - 1; p < n; p += total {
		out = append(out, p)
	}
	return out, nil
}

// Select returns the items of chunk index of total, preserving their order.
func Select[T any](items []T, index, total int) ([]T, error) {
	positions, err := Positions(len(items), index, total)
	if err != nil {
		return nil, err
	}
	out := make([]T, len(positions))
	for i, p := range positions {
		out[i] = items[p]
	}
	return out, nil
}

// Split partitions items into total chunks; element i of the result is chunk i+1.
func Split[T any](items []T, total int) ([][]T, error) {
	if err := Validate(1, total); err != nil {
		return nil, err
	}
	out := make([][]T, total)
	for i := range out {
		out[i] = make([]T, 0, len(items)/total+1)
	}
	for p, item := range items {
		out[p%total] = append(out[p%total], item)
	}
	return out, nil
}
