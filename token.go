package tagstore

import (
	"fmt"

	"github.com/drpcorg/tagstore/backend"
)

// Kind is the middle byte of a store token: [component][kind][index].
type Kind byte

const (
	KindTag  Kind = 0
	KindKey  Kind = 1
	KindData Kind = 2
)

const TokenLen = 3

const (
	AllComponents uint8 = 0xFF
	AllTags       uint8 = 0xFF
)

// UniqueID identifies a registered tag.
type UniqueID struct {
	Component uint8
	Local     uint8
}

// All matches every tag of every component.
var All = UniqueID{Component: AllComponents, Local: AllTags}

func (id UniqueID) String() string {
	c, l := fmt.Sprintf("%02x", id.Component), fmt.Sprintf("%02x", id.Local)
	if id.Component == AllComponents {
		c = "*"
	}
	if id.Local == AllTags {
		l = "*"
	}
	return c + ":" + l
}

func (id UniqueID) Wildcard() bool {
	return id.Component == AllComponents || id.Local == AllTags
}

// Covers reports whether the (possibly wildcard) id selects other.
func (id UniqueID) Covers(other UniqueID) bool {
	return (id.Component == AllComponents || id.Component == other.Component) &&
		(id.Local == AllTags || id.Local == other.Local)
}

func MakeToken(component uint8, kind Kind, index uint8) backend.Token {
	return backend.Token{component, byte(kind), index}
}

// SplitToken is the inverse of MakeToken.
func SplitToken(tok backend.Token) (component uint8, kind Kind, index uint8, ok bool) {
	if len(tok) != TokenLen {
		return 0, 0, 0, false
	}
	return tok[0], Kind(tok[1]), tok[2], true
}

// KindMask selects every index of one component and kind.
func KindMask(component uint8, kind Kind) (backend.Token, []byte) {
	return MakeToken(component, kind, 0), []byte{0, 0, 0xff}
}

// ComponentMask selects every record of one component.
func ComponentMask(component uint8) (backend.Token, []byte) {
	return MakeToken(component, 0, 0), []byte{0, 0xff, 0xff}
}

func tagToken(id UniqueID) backend.Token {
	return MakeToken(id.Component, KindTag, id.Local)
}
