package standard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/guseggert/replbridge/backend"
)

type valueKind int

const (
	kindNone valueKind = iota
	kindStr
	kindInt
	kindFunc
)

type value struct {
	kind valueKind
	str  string
	num  int64
	fn   *function
}

// function is either a user definition or a builtin.
type function struct {
	name    string
	def     *funcDef
	builtin *builtin
}

func (f *function) signature() backend.Signature {
	if f.builtin != nil {
		return f.builtin.sig
	}
	sig := backend.Signature{
		Doc:     f.def.bodySrc,
		VarArgs: f.def.varArgs,
		VarKw:   f.def.varKw,
	}
	for _, p := range f.def.params {
		sig.Args = append(sig.Args, p.name)
		if p.defaultVal != nil {
			sig.Defaults = append(sig.Defaults, p.defaultSrc)
		}
	}
	return sig
}

var none = value{}

func strValue(s string) value { return value{kind: kindStr, str: s} }
func intValue(n int64) value  { return value{kind: kindInt, num: n} }

func (v value) typeName() string {
	switch v.kind {
	case kindStr:
		return "str"
	case kindInt:
		return "int"
	case kindFunc:
		return "func"
	default:
		return "none"
	}
}

// String renders v the way emit prints it.
func (v value) String() string {
	switch v.kind {
	case kindStr:
		return v.str
	case kindInt:
		return strconv.FormatInt(v.num, 10)
	case kindFunc:
		return fmt.Sprintf("<function %s>", v.fn.name)
	default:
		return "none"
	}
}

// repr renders v the way the prompt echoes expression results.
func (v value) repr() string {
	if v.kind == kindStr {
		return "'" + strings.ReplaceAll(v.str, "'", "\\'") + "'"
	}
	return v.String()
}

// typeMembers lists the members each type exposes to completion: instance members, then type members.
var typeMembers = map[string][2]map[string]string{
	"str": {
		{"len": "int", "upper": "func", "lower": "func", "split": "func", "strip": "func"},
		{"__name__": "str", "join": "func"},
	},
	"int": {
		{"real": "int", "bit_length": "func"},
		{"__name__": "str"},
	},
	"func": {
		{"__doc__": "str", "__name__": "str"},
		{"__call__": "func"},
	},
	"none": {
		{},
		{"__name__": "str"},
	},
}

func members(v value) backend.MemberInfo {
	name := v.typeName()
	m := typeMembers[name]
	info := backend.MemberInfo{Name: name, Instance: map[string]string{}, Type: map[string]string{}}
	for k, t := range m[0] {
		info.Instance[k] = t
	}
	for k, t := range m[1] {
		info.Type[k] = t
	}
	return info
}
