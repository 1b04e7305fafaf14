package engine

import "bytes"

// MergeOperator folds merge operands into a value. existing is nil when the
// key has no base value; operands are ordered oldest first.
type MergeOperator interface {
	Name() string
	FullMerge(key, existing []byte, operands [][]byte) ([]byte, error)
}

// StringAppendOperator joins the base value and every operand with Delim.
type StringAppendOperator struct {
	Delim []byte
}

func (StringAppendOperator) Name() string { return "StringAppendOperator" }

func (o StringAppendOperator) FullMerge(key, existing []byte, operands [][]byte) ([]byte, error) {
	parts := make([][]byte, 0, len(operands)+1)
	if existing != nil {
		parts = append(parts, existing)
	}
	parts = append(parts, operands...)
	return bytes.Join(parts, o.Delim), nil
}

// MergeOperatorByName resolves a built-in merge operator from its config name.
func MergeOperatorByName(name string) (MergeOperator, bool) {
	switch name {
	case "":
		return nil, true
	case "stringappend", "StringAppendOperator":
		return StringAppendOperator{Delim: []byte(",")}, true
	}
	return nil, false
}
