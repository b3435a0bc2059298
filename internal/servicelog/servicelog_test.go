package servicelog_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/vigilinit/vigild/internal/servicelog"
)

func Test(t *testing.T) { TestingT(t) }

type LogSuite struct{}

var _ = Suite(&LogSuite{})

func (s *LogSuite) TestWriteAndTail(c *C) {
	l := servicelog.New(16)
	n, err := l.Write([]byte("hello "))
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 6)
	l.Write([]byte("world\n"))
	c.Assert(string(l.Tail(0)), Equals, "hello world\n")
}

func (s *LogSuite) TestWriteEvictsOldestWhenFull(c *C) {
	l := servicelog.New(8)
	l.Write([]byte("12345678"))
	l.Write([]byte("90"))
	c.Assert(string(l.Tail(0)), Equals, "34567890")
}

func (s *LogSuite) TestLinesSplitsOnNewline(c *C) {
	l := servicelog.New(64)
	l.Write([]byte("one\ntwo\nthree\n"))
	c.Assert(l.Lines(), DeepEquals, []string{"one", "two", "three"})
}
