package wire_test

import (
	"bytes"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/wire"
)

func Test(t *testing.T) { TestingT(t) }

type WireSuite struct{}

var _ = Suite(&WireSuite{})

// TestRoundTrip asserts the wire round-trip property from spec.md §8.1:
// pop(push(t, f)) == (t, f) for every recognized (type, fields) tuple.
func (s *WireSuite) TestRoundTrip(c *C) {
	cases := []struct {
		typ    uint32
		pack   wire.PackString
		fields []interface{}
	}{
		{1, "s", []interface{}{"tty1"}},
		{2, "", nil},
		{3, "uuuis", []interface{}{uint32(1), uint32(2), uint32(3), int32(-1), "hello"}},
		{4, "s", []interface{}{nil}},
		{5, "i", []interface{}{int32(-12345)}},
	}
	for _, tc := range cases {
		var w wire.Writer
		err := wire.Push(&w, tc.typ, tc.pack, tc.fields...)
		c.Assert(err, IsNil)

		r := wire.NewReader(w.Bytes())
		typ, err := r.PopType()
		c.Assert(err, IsNil)
		c.Assert(typ, Equals, tc.typ)

		got, err := wire.Pop(r, tc.pack)
		c.Assert(err, IsNil)
		c.Assert(got, DeepEquals, tc.fields)
	}
}

func (s *WireSuite) TestFrameRoundTrip(c *C) {
	var w wire.Writer
	err := wire.Push(&w, 7, "s", "payload")
	c.Assert(err, IsNil)

	var buf bytes.Buffer
	c.Assert(wire.WriteFrame(&buf, w.Bytes()), IsNil)

	body, err := wire.ReadFrame(&buf)
	c.Assert(err, IsNil)
	c.Assert(body, DeepEquals, w.Bytes())
}

func (s *WireSuite) TestShortLengthPrefixIsInvalid(c *C) {
	var w wire.Writer
	w.PushType(1)
	// Claim a 100-byte string but don't provide one.
	w.PushUint(100)
	r := wire.NewReader(w.Bytes())
	_, err := r.PopType()
	c.Assert(err, IsNil)
	_, _, err = r.PopString()
	c.Assert(err, Equals, wire.ErrInvalid)
}

func (s *WireSuite) TestEmbeddedNulIsInvalid(c *C) {
	var w wire.Writer
	w.PushType(1)
	w.PushString("a\x00b")
	r := wire.NewReader(w.Bytes())
	_, _ = r.PopType()
	_, _, err := r.PopString()
	c.Assert(err, Equals, wire.ErrInvalid)
}

func (s *WireSuite) TestWrongFieldCountIsInvalid(c *C) {
	var w wire.Writer
	err := wire.Push(&w, 1, "s s", "only-one")
	c.Assert(err, Equals, wire.ErrInvalid)
}
