package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	assert.Equal(t, 5*time.Second, c.Delay(1))
	assert.Equal(t, 5*time.Second, c.Delay(100))
}

func TestExponential_Growth(t *testing.T) {
	e := NewExponential(time.Second, time.Hour)
	assert.Equal(t, 1*time.Second, e.Delay(1))
	assert.Equal(t, 2*time.Second, e.Delay(2))
	assert.Equal(t, 4*time.Second, e.Delay(3))
	assert.Equal(t, 8*time.Second, e.Delay(4))
}

func TestExponential_Cap(t *testing.T) {
	e := NewExponential(time.Second, 10*time.Second)
	assert.Equal(t, 10*time.Second, e.Delay(30))
}

func TestExponential_FloorAttempt(t *testing.T) {
	e := NewExponential(time.Second, time.Hour)
	assert.Equal(t, time.Second, e.Delay(0))
	assert.Equal(t, time.Second, e.Delay(-5))
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	j := NewExponentialWithJitter(time.Second, time.Minute)
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := j.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, time.Minute)
		}
	}
}

func TestDefault_NonNil(t *testing.T) {
	assert.NotNil(t, Default())
}
