package profile_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/1etu/turkeydpi/internal/profile"
)

func TestByNameResolvesAllPresets(t *testing.T) {
	c := qt.New(t)

	for _, name := range []string{"turk-telekom", "vodafone", "superonline", "aggressive"} {
		p, ok := profile.ByName(name)
		c.Assert(ok, qt.IsTrue, qt.Commentf("preset %q", name))
		c.Assert(p.Name, qt.Equals, name)
	}
}

func TestByNameRejectsUnknownPreset(t *testing.T) {
	c := qt.New(t)

	_, ok := profile.ByName("turkcell")
	c.Assert(ok, qt.IsFalse)
}

func TestTurkTelekomSplitsAtOffsetTwo(t *testing.T) {
	c := qt.New(t)

	p := profile.TurkTelekom()
	c.Assert(p.SNISplit.Kind, qt.Equals, profile.SNIFixedOffset)
	c.Assert(p.SNISplit.Offset, qt.Equals, 2)
	c.Assert(p.InterFragmentDelayMS, qt.Equals, uint32(0))
}

func TestVodafoneAddsDelay(t *testing.T) {
	c := qt.New(t)

	p := profile.Vodafone()
	c.Assert(p.InterFragmentDelayMS, qt.Equals, uint32(20))
}

func TestAggressiveCombinesTechniques(t *testing.T) {
	c := qt.New(t)

	p := profile.Aggressive()
	c.Assert(p.SNISplit.Kind, qt.Equals, profile.SNIInsideHostname)
	c.Assert(p.ExtraSplits, qt.DeepEquals, []int{5})
	c.Assert(p.InterFragmentDelayMS, qt.Equals, uint32(10))
}
