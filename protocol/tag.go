package protocol

import (
	"fmt"
	"strings"
)

// TagSize is the size of every frame tag on the wire.
const TagSize = 4

// Tag identifies a frame.
type Tag [TagSize]byte

// NewTag builds a tag from s, right-padding it with spaces.
// It panics if s is longer than TagSize or contains non-ASCII bytes, since tags are compile-time constants.
func NewTag(s string) Tag {
	if len(s) > TagSize {
		panic(fmt.Sprintf("protocol: tag %q is longer than %d bytes", s, TagSize))
	}
	var t Tag
	copy(t[:], s+strings.Repeat(" ", TagSize-len(s)))
	for _, b := range t {
		if b > 0x7f {
			panic(fmt.Sprintf("protocol: tag %q is not ASCII", s))
		}
	}
	return t
}

func (t Tag) String() string { return string(t[:]) }

// Inbound tags, sent by the front-end.
var (
	TagRun         = NewTag("run")
	TagAbort       = NewTag("abrt")
	TagExit        = NewTag("exit")
	TagMembers     = NewTag("mems")
	TagSignatures  = NewTag("sigs")
	TagLocales     = NewTag("locs")
	TagSetLocale   = NewTag("setl")
	TagSetThread   = NewTag("sett")
	TagInput       = NewTag("inpl")
	TagExecuteFile = NewTag("excf")
	TagAttach      = NewTag("dbga")
)

// Outbound tags, sent by the backend.
var (
	TagMemberResult    = NewTag("MRES")
	TagSignatureResult = NewTag("SRES")
	TagLocaleList      = NewTag("LOCS")
	TagImage           = NewTag("IMGD")
	TagPrompt          = NewTag("PRPC")
	TagReadLine        = NewTag("RDLN")
	TagStdout          = NewTag("STDO")
	TagStderr          = NewTag("STDE")
	TagDebugAttached   = NewTag("DBGA")
	TagDetach          = NewTag("DETC")
	TagPNG             = NewTag("DPNG")

	TagError          = NewTag("ERRE")
	TagExited         = NewTag("EXIT")
	TagDone           = NewTag("DONE")
	TagLocalesChanged = NewTag("LOCC")
	TagMemberError    = NewTag("MERR")
	TagSignatureError = NewTag("SERR")
)
