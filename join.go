package tabkv

import (
	"fmt"
	"strings"
)

type JoinType int

const (
	JoinInner JoinType = iota
	JoinLeft
)

func (jt JoinType) String() string {
	switch jt {
	case JoinInner:
		return "inner"
	case JoinLeft:
		return "left"
	default:
		return fmt.Sprintf("JoinType(%d)", int(jt))
	}
}

func ParseJoinType(s string) (JoinType, error) {
	switch strings.ToLower(s) {
	case "", "inner":
		return JoinInner, nil
	case "left":
		return JoinLeft, nil
	default:
		return 0, invalidf("unknown join type %q", s)
	}
}

func (jt JoinType) MarshalText() ([]byte, error) {
	return []byte(jt.String()), nil
}

func (jt *JoinType) UnmarshalText(b []byte) error {
	v, err := ParseJoinType(string(b))
	if err != nil {
		return err
	}
	*jt = v
	return nil
}

type JoinOn struct {
	LeftKey  string `json:"leftKey"`
	RightKey string `json:"rightKey"`
}

// JoinRows equi-joins two materialized row sets with a hash join over right.
// Each match yields a copy of the left row overlaid with the right row, so
// right fields win on collision; matches follow right's input order. A left
// join emits unmatched left rows unchanged. Rows lacking the key field never
// match. Keys compare by kind and value, so the number 1 and the string "1"
// differ.
func JoinRows(left, right []Row, on JoinOn, how JoinType) ([]Row, error) {
	if on.LeftKey == "" || on.RightKey == "" {
		return nil, invalidf("join requires both leftKey and rightKey")
	}
	if how != JoinInner && how != JoinLeft {
		return nil, invalidf("unsupported join type %v", how)
	}

	build := make(map[Value][]Row, len(right))
	for _, r := range right {
		k, ok := r[on.RightKey]
		if !ok {
			continue
		}
		build[k] = append(build[k], r)
	}

	result := make([]Row, 0, len(left))
	for _, l := range left {
		var matches []Row
		if k, ok := l[on.LeftKey]; ok {
			matches = build[k]
		}
		if len(matches) == 0 {
			if how == JoinLeft {
				result = append(result, l.Clone())
			}
			continue
		}
		for _, r := range matches {
			merged := make(Row, len(l)+len(r))
			for f, v := range l {
				merged[f] = v
			}
			for f, v := range r {
				merged[f] = v
			}
			result = append(result, merged)
		}
	}
	return result, nil
}
