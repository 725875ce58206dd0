package supervisor

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := NewBackoff(time.Second, 8*time.Second, 2)

	assert.Equal(t, time.Second, b.Delay())
	assert.Equal(t, 2*time.Second, b.Delay())
	assert.Equal(t, 4*time.Second, b.Delay())
	assert.Equal(t, 8*time.Second, b.Delay())
	assert.Equal(t, 8*time.Second, b.Delay(), "delay stays at the cap")
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 2)
	b.Delay()
	b.Delay()
	b.Reset()
	assert.Equal(t, time.Second, b.Delay(), "reset returns to the base delay")
}

func TestBackoffBadFactorDefaults(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 0.5)
	assert.Equal(t, time.Second, b.Delay())
	assert.Equal(t, 2*time.Second, b.Delay())
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delays never decrease and never exceed the cap", prop.ForAll(
		func(baseMS int, capMult int, steps int) bool {
			base := time.Duration(baseMS) * time.Millisecond
			max := base * time.Duration(capMult)
			b := NewBackoff(base, max, 2)

			prev := time.Duration(0)
			for i := 0; i < steps; i++ {
				d := b.Delay()
				if d < prev || d > max {
					return false
				}
				prev = d
			}
			return true
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 64),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
