package wire_test

import (
	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/enum"
	"github.com/vigilinit/vigild/internal/wire"
)

func (s *WireSuite) TestMessageRoundTrip(c *C) {
	body, err := wire.EncodeMessage(enum.MsgJobStart, "web")
	c.Assert(err, IsNil)

	typ, fields, err := wire.DecodeMessage(body)
	c.Assert(err, IsNil)
	c.Assert(typ, Equals, enum.MsgJobStart)
	c.Assert(fields, DeepEquals, []interface{}{"web"})
}

func (s *WireSuite) TestJobStatusRoundTrip(c *C) {
	body, err := wire.EncodeMessage(enum.MsgJobStatus, "web",
		uint32(enum.Start), uint32(enum.Running), uint32(enum.ProcessActive), int32(123), "web server")
	c.Assert(err, IsNil)

	typ, fields, err := wire.DecodeMessage(body)
	c.Assert(err, IsNil)
	c.Assert(typ, Equals, enum.MsgJobStatus)
	c.Assert(fields, DeepEquals, []interface{}{
		"web", uint32(enum.Start), uint32(enum.Running), uint32(enum.ProcessActive), int32(123), "web server",
	})
}

func (s *WireSuite) TestUnknownMessageTypeIsReported(c *C) {
	var w wire.Writer
	w.PushType(9999)
	_, _, err := wire.DecodeMessage(w.Bytes())
	c.Assert(err, Equals, wire.ErrUnknownType)
}
