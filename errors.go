package tabkv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrRowNotFound   = errors.New("row not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrStore         = errors.New("store error")

	// ErrKeyNotFound is returned by Store.Get when the key is absent.
	ErrKeyNotFound = errors.New("key not found")
)

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// TableError identifies the tenant, table and (optionally) index and row an
// operation failed on. It unwraps to one of the Err* sentinels or to a
// *StoreError.
type TableError struct {
	Tenant string
	Table  string
	Index  string
	Row    string
	Msg    string
	Err    error
}

func tableErrf(tenant, table, index, row string, err error, format string, args ...any) error {
	return &TableError{tenant, table, index, row, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Tenant)
	buf.WriteByte('/')
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Row != "" {
		buf.WriteByte('/')
		buf.WriteString(e.Row)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// StoreError wraps a failure reported by the underlying Store. It matches
// ErrStore under errors.Is and unwraps to the original error.
type StoreError struct {
	Op  string
	Key []byte
	Err error
}

func storeErr(op string, key []byte, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{op, key, err}
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

func (e *StoreError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("store %s %s: %v", e.Op, hexstr(e.Key), e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func isInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func isErr(err, target error) bool {
	return err != nil && errors.Is(err, target)
}

func isNotFound(err error) bool {
	return isErr(err, ErrRowNotFound) || isErr(err, ErrTableNotFound)
}
