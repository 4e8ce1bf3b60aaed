package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/roach88/chainstep/internal/chain"
)

// Argument reference prefixes. A reference resolves to an address in the
// target environment at build time.
const (
	accountRef  = "account:"
	artifactRef = "artifact:"
)

var bigIntType = reflect.TypeOf((*big.Int)(nil))

// argConverter turns manifest values into the Go types accounts/abi packs.
type argConverter struct {
	step string
	conn *chain.Connection
}

func (c *argConverter) convertAll(ctx context.Context, inputs abi.Arguments, raw []any) ([]any, error) {
	if len(raw) != len(inputs) {
		return nil, fmt.Errorf("expects %d arguments, got %d", len(inputs), len(raw))
	}
	out := make([]any, len(raw))
	for i, in := range inputs {
		v, err := c.resolve(ctx, raw[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, argName(in, i), err)
		}
		if out[i], err = c.convert(in.Type, v); err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, argName(in, i), err)
		}
	}
	return out, nil
}

func argName(in abi.Argument, i int) string {
	if in.Name != "" {
		return in.Name
	}
	return fmt.Sprintf("arg%d", i)
}

// resolve replaces account: and artifact: references, recursing into lists.
func (c *argConverter) resolve(ctx context.Context, v any) (any, error) {
	switch v := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(v, accountRef):
			return c.conn.Signers.Account(ctx, strings.TrimPrefix(v, accountRef))
		case strings.HasPrefix(v, artifactRef):
			name := strings.TrimPrefix(v, artifactRef)
			art, err := c.conn.Artifacts.Artifact(ctx, name)
			if err != nil {
				return nil, err
			}
			if !art.Deployed() {
				return nil, fmt.Errorf("artifact %q is not deployed in %q", name, c.conn.EnvironmentID)
			}
			return art.Address, nil
		}
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			r, err := c.resolve(ctx, e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *argConverter) convert(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		switch a := v.(type) {
		case common.Address:
			return a, nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("invalid address %q", a)
			}
			slog.Warn("literal address argument; prefer an account: or artifact: reference",
				"step", c.step,
				"env", c.conn.EnvironmentID,
				"address", a,
			)
			return common.HexToAddress(a), nil
		}

	case abi.IntTy, abi.UintTy:
		n, err := toBig(v)
		if err != nil {
			return nil, err
		}
		return fitInt(t, n)

	case abi.BoolTy:
		if b, ok := v.(bool); ok {
			return b, nil
		}

	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}

	case abi.BytesTy:
		return toBytes(v)

	case abi.FixedBytesTy:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) != t.Size {
			return nil, fmt.Errorf("want %d bytes, got %d", t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		list, ok := v.([]any)
		if !ok {
			break
		}
		if t.T == abi.ArrayTy && len(list) != t.Size {
			return nil, fmt.Errorf("want %d elements, got %d", t.Size, len(list))
		}
		var out reflect.Value
		if t.T == abi.SliceTy {
			out = reflect.MakeSlice(t.GetType(), len(list), len(list))
		} else {
			out = reflect.New(t.GetType()).Elem()
		}
		for i, e := range list {
			cv, err := c.convert(*t.Elem, e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(cv))
		}
		return out.Interface(), nil

	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
}

func toBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		if math.Abs(n) >= 1<<53 {
			return nil, fmt.Errorf("%v was rounded when parsed as a number; quote large integers", n)
		}
		b, _ := big.NewFloat(n).Int(nil)
		return b, nil
	case *big.Int:
		return new(big.Int).Set(n), nil
	case string:
		b, ok := new(big.Int).SetString(strings.ReplaceAll(n, "_", ""), 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot use %T as an integer", v)
}

// fitInt converts n to the Go type accounts/abi expects for t: a fixed-size
// integer for widths up to 64 bits, *big.Int above that.
func fitInt(t abi.Type, n *big.Int) (any, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return nil, fmt.Errorf("%s cannot be negative", t.String())
	}
	bits := t.Size
	if t.T == abi.IntTy {
		bits--
	}
	limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
	if n.Cmp(limit) >= 0 || (t.T == abi.IntTy && n.Cmp(new(big.Int).Neg(limit)) < 0) {
		return nil, fmt.Errorf("%s overflows %s", n, t.String())
	}

	typ := t.GetType()
	if typ == bigIntType {
		return n, nil
	}
	rv := reflect.New(typ).Elem()
	switch typ.Kind() {
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		rv.SetUint(n.Uint64())
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		rv.SetInt(n.Int64())
	default:
		return nil, fmt.Errorf("unexpected go type %s for %s", typ, t.String())
	}
	return rv.Interface(), nil
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		out, err := hexutil.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("invalid hex %q: %w", b, err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot use %T as bytes", v)
}
