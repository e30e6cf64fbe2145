package dispatch

import (
	"errors"
	"fmt"
	"strconv"
)

// MaxArgs is the capacity of an Args vector.
const MaxArgs = 16

// ErrTooManyArgs is returned when an argument vector would exceed MaxArgs.
var ErrTooManyArgs = errors.New("dispatch: too many arguments")

// ArgKind identifies the variant held by an Arg.
type ArgKind uint8

const (
	ArgInvalid ArgKind = iota
	ArgPointer
	ArgInt
	ArgString
	ArgFloat
)

func (k ArgKind) String() string {
	switch k {
	case ArgInvalid:
		return `invalid`
	case ArgPointer:
		return `pointer`
	case ArgInt:
		return `int`
	case ArgString:
		return `string`
	case ArgFloat:
		return `float`
	default:
		return `ArgKind(` + strconv.Itoa(int(k)) + `)`
	}
}

// Arg is a single event argument. The zero value is ArgInvalid.
type Arg struct {
	ptr  any
	str  string
	num  int64
	flt  float64
	kind ArgKind
}

// Pointer wraps a reference value, typically a *Object or an application
// handle.
func Pointer(v any) Arg { return Arg{kind: ArgPointer, ptr: v} }

// Int wraps an integer.
func Int(v int64) Arg { return Arg{kind: ArgInt, num: v} }

// String wraps a string.
func String(v string) Arg { return Arg{kind: ArgString, str: v} }

// Float wraps a float.
func Float(v float64) Arg { return Arg{kind: ArgFloat, flt: v} }

// Kind returns the variant held.
func (a Arg) Kind() ArgKind { return a.kind }

// Pointer returns the reference value, and false if a is not ArgPointer.
func (a Arg) Pointer() (any, bool) { return a.ptr, a.kind == ArgPointer }

// Int returns the integer value, and false if a is not ArgInt.
func (a Arg) Int() (int64, bool) { return a.num, a.kind == ArgInt }

// Str returns the string value, and false if a is not ArgString.
func (a Arg) Str() (string, bool) { return a.str, a.kind == ArgString }

// Float returns the float value, and false if a is not ArgFloat.
func (a Arg) Float() (float64, bool) { return a.flt, a.kind == ArgFloat }

// Object returns the *Object held by a pointer argument, or nil.
func (a Arg) Object() *Object {
	o, _ := a.ptr.(*Object)
	return o
}

func (a Arg) String() string {
	switch a.kind {
	case ArgPointer:
		if o, ok := a.ptr.(*Object); ok {
			return o.String()
		}
		return fmt.Sprintf(`%p`, a.ptr)
	case ArgInt:
		return strconv.FormatInt(a.num, 10)
	case ArgString:
		return strconv.Quote(a.str)
	case ArgFloat:
		return strconv.FormatFloat(a.flt, 'g', -1, 64)
	default:
		return `<invalid>`
	}
}

// Args is a fixed-capacity argument vector. It is a value type: copying an
// Args copies its elements.
type Args struct {
	v [MaxArgs]Arg
	n int
}

// NewArgs builds an Args from args.
func NewArgs(args ...Arg) (Args, error) {
	var a Args
	err := a.Append(args...)
	return a, err
}

// MustArgs is NewArgs, panicking on overflow.
func MustArgs(args ...Arg) Args {
	a, err := NewArgs(args...)
	if err != nil {
		panic(err)
	}
	return a
}

// Append adds args to the end of the vector. Either all are appended, or
// none are and ErrTooManyArgs is returned.
func (a *Args) Append(args ...Arg) error {
	if a.n+len(args) > MaxArgs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyArgs, a.n+len(args), MaxArgs)
	}
	a.n += copy(a.v[a.n:], args)
	return nil
}

// Len returns the number of arguments.
func (a *Args) Len() int { return a.n }

// At returns the i-th argument, or the zero Arg if out of range.
func (a *Args) At(i int) Arg {
	if i < 0 || i >= a.n {
		return Arg{}
	}
	return a.v[i]
}

// Slice returns a copy of the arguments.
func (a *Args) Slice() []Arg {
	return append([]Arg(nil), a.v[:a.n]...)
}

// Last returns the final argument, which for a dispatched event is the
// sender.
func (a *Args) Last() Arg { return a.At(a.n - 1) }
