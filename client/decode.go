package client

import (
	"fmt"

	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/protocol"
)

// maxListLength bounds counts read from the wire.
const maxListLength = 1 << 20

func readCount(r *protocol.Reader) (int, error) {
	n, err := r.ReadInt64()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxListLength {
		return 0, fmt.Errorf("implausible list length %d", n)
	}
	return int(n), nil
}

func readStrings(r *protocol.Reader) ([]string, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	ss := make([]string, 0, n)
	for i := 0; i < n; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}

func readMemberMap(r *protocol.Reader) (map[string]string, error) {
	n, err := readCount(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		typeName, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		m[name] = typeName
	}
	return m, nil
}

func decodeText(r *protocol.Reader, ev *Event) error {
	s, err := r.ReadString()
	ev.Text = s
	return err
}

func decodeMembers(r *protocol.Reader, ev *Event) error {
	name, err := r.ReadString()
	if err != nil {
		return err
	}
	inst, err := readMemberMap(r)
	if err != nil {
		return err
	}
	typ, err := readMemberMap(r)
	if err != nil {
		return err
	}
	ev.Members = &backend.MemberInfo{Name: name, Instance: inst, Type: typ}
	return nil
}

func decodeSignatures(r *protocol.Reader, ev *Event) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	sigs := make([]backend.Signature, 0, n)
	for i := 0; i < n; i++ {
		var sig backend.Signature
		if sig.Doc, err = r.ReadString(); err != nil {
			return err
		}
		if sig.Args, err = readStrings(r); err != nil {
			return err
		}
		if sig.VarArgs, err = r.ReadString(); err != nil {
			return err
		}
		if sig.VarKw, err = r.ReadString(); err != nil {
			return err
		}
		if sig.Defaults, err = readStrings(r); err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	ev.Signatures = sigs
	return nil
}

func decodeLocales(r *protocol.Reader, ev *Event) error {
	n, err := readCount(r)
	if err != nil {
		return err
	}
	locs := make([]backend.LocaleInfo, 0, n)
	for i := 0; i < n; i++ {
		var l backend.LocaleInfo
		if l.Name, err = r.ReadString(); err != nil {
			return err
		}
		if l.File, err = r.ReadString(); err != nil {
			return err
		}
		locs = append(locs, l)
	}
	ev.Locales = locs
	return nil
}

func decodePrompt(r *protocol.Reader, ev *Event) error {
	var p Prompt
	var err error
	if p.PS1, err = r.ReadString(); err != nil {
		return err
	}
	if p.PS2, err = r.ReadString(); err != nil {
		return err
	}
	all, err := r.ReadInt32()
	if err != nil {
		return err
	}
	p.UpdateAll = all == 1
	ev.Prompt = &p
	return nil
}

func decodePNG(r *protocol.Reader, ev *Event) error {
	b, err := r.ReadBytes()
	ev.PNG = b
	return err
}

func decodeDebugAttached(r *protocol.Reader, ev *Event) error {
	port, err := r.ReadInt32()
	if err != nil {
		return err
	}
	id, err := r.ReadString()
	if err != nil {
		return err
	}
	ev.Port, ev.DebuggerID = port, id
	return nil
}
