package registry

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gen-rpc/codec"
	"gen-rpc/message"
	"gen-rpc/rpcerr"
)

func nop(context.Context, *Call) (any, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("double", nop))
	require.NoError(t, r.Register(Join("math", "add"), nop))

	p, err := r.Lookup("math.add")
	require.NoError(t, err)
	assert.Equal(t, "math.add", p.Name)

	_, err = r.Lookup("ghost")
	assert.True(t, errors.Is(err, errors.NotFound))

	assert.Equal(t, []string{"double", "math.add"}, r.ListNames())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("double", nop))
	err := r.Register("double", nop)
	assert.True(t, errors.Is(err, errors.AlreadyExists))
}

func TestRegisterReserved(t *testing.T) {
	r := New("shutdown")
	for _, name := range append(message.ReservedNames(), "shutdown", "ns.GEN_NEXT", "a.b.shutdown") {
		err := r.Register(name, nop)
		assert.True(t, errors.Is(err, rpcerr.ErrReservedName), name)
	}
	assert.Empty(t, r.ListNames())
	assert.Contains(t, r.Reserved(), "shutdown")
	assert.Contains(t, r.Reserved(), message.HeartbeatName)
}

func TestRegisterInvalid(t *testing.T) {
	r := New()
	for _, name := range []string{"_hidden", "ns._hidden", "", "a..b", "trailing."} {
		err := r.Register(name, nop)
		assert.True(t, errors.Is(err, errors.NotValid), name)
	}
	err := r.Register("nil", nil)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestBuiltins(t *testing.T) {
	r := New()
	require.NoError(t, r.AddBuiltin(Procedure{Name: "_rpc.ping", Func: nop}))
	err := r.AddBuiltin(Procedure{Name: "ping", Func: nop})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = r.Lookup("_rpc.ping")
	require.NoError(t, err)
	assert.Empty(t, r.ListNames())
}

func TestRegisterObject(t *testing.T) {
	r := New()
	obj := NewObject("calc", nil).
		Method("add", nop).
		Method("sub", nop).
		Method("_internal", nop).
		Method("admin", nop)
	require.NoError(t, r.RegisterObject(obj, "admin"))
	assert.Equal(t, []string{"calc.add", "calc.sub"}, r.ListNames())
}

func TestRegisterObjectIsAllOrNothing(t *testing.T) {
	r := New()
	obj := NewObject("calc", nil).Method("add", nop).Method("RESULT", nop)
	err := r.RegisterObject(obj)
	assert.True(t, errors.Is(err, rpcerr.ErrReservedName))
	assert.Empty(t, r.ListNames())

	require.NoError(t, r.Register("calc.sub", nop))
	obj = NewObject("calc", nil).Method("add", nop).Method("sub", nop)
	err = r.RegisterObject(obj)
	assert.True(t, errors.Is(err, errors.AlreadyExists))
	assert.Equal(t, []string{"calc.sub"}, r.ListNames())

	// Restricting the offending name lets the rest through.
	require.NoError(t, r.RegisterObject(obj, "sub"))
	assert.Equal(t, []string{"calc.add", "calc.sub"}, r.ListNames())
}

type Args struct{ A, B int }

type Arith struct{ calls int }

func (a *Arith) Add(args *Args, reply *int) error {
	a.calls++
	*reply = args.A + args.B
	return nil
}

func (a *Arith) Double(ctx context.Context, x int) (int, error) {
	return 2 * x, nil
}

func (a *Arith) Calls(ctx context.Context) (int, error) {
	return a.calls, nil
}

func (a *Arith) Raw(ctx context.Context, call *Call) (any, error) {
	return call.NumArgs(), nil
}

func (a *Arith) Div(ctx context.Context, args Args) (int, error) {
	if args.B == 0 {
		return 0, errors.NotValidf("division by zero")
	}
	return args.A / args.B, nil
}

// Not a procedure shape.
func (a *Arith) String() string { return "arith" }

func call(t *testing.T, p *Procedure, args ...any) (any, error) {
	t.Helper()
	c := codec.GetCodec(codec.CodecTypeJSON)
	raw, err := codec.EncodeArgs(c, args)
	require.NoError(t, err)
	return p.Func(context.Background(), NewCall("id", p.Name, "peer", c, raw, nil))
}

func TestMethodsOf(t *testing.T) {
	arith := &Arith{}
	obj, err := MethodsOf("arith", arith)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Add", "Calls", "Div", "Double", "Raw"}, obj.Names())

	r := New()
	require.NoError(t, r.RegisterObject(obj))

	p, err := r.Lookup("arith.Add")
	require.NoError(t, err)
	assert.Same(t, arith, p.Owner)
	v, err := call(t, p, Args{A: 2, B: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	p, _ = r.Lookup("arith.Double")
	v, err = call(t, p, 21)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	p, _ = r.Lookup("arith.Calls")
	v, err = call(t, p)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	p, _ = r.Lookup("arith.Raw")
	v, err = call(t, p, 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	p, _ = r.Lookup("arith.Div")
	_, err = call(t, p, Args{A: 1})
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = call(t, p)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestMethodsOfRejectsNonPointer(t *testing.T) {
	_, err := MethodsOf("x", Arith{})
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = MethodsOf("x", nil)
	assert.True(t, errors.Is(err, errors.NotValid))
	_, err = MethodsOf("x", &struct{}{})
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestCallArgs(t *testing.T) {
	c := codec.GetCodec(codec.CodecTypeJSON)
	args, err := codec.EncodeArgs(c, []any{"a", 2})
	require.NoError(t, err)
	kwargs, err := codec.EncodeKwargs(c, map[string]any{"scale": 3})
	require.NoError(t, err)
	call := NewCall("id", "p", "peer", c, args, kwargs)

	var s string
	require.NoError(t, call.Arg(0, &s))
	assert.Equal(t, "a", s)
	assert.True(t, errors.Is(call.Arg(2, &s), errors.NotValid))
	assert.True(t, errors.Is(call.Arg(1, &s), errors.NotValid))

	var scale int
	ok, err := call.Kwarg("scale", &scale)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, scale)
	ok, err = call.Kwarg("missing", &scale)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, call.Args(), 2)
	n, err := codec.As[int](call.Kwargs()["scale"])
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
