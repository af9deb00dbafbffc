// Copyright 2025 James Ross
package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAdvance(t *testing.T) {
	base := time.Unix(1000, 0)
	m := NewManual(base)
	assert.Equal(t, base, m.Now())

	m.Advance(5 * time.Second)
	assert.Equal(t, base.Add(5*time.Second), m.Now())

	m.Advance(-2 * time.Second)
	assert.Equal(t, base.Add(3*time.Second), m.Now())
}

func TestManualSet(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	target := time.Unix(500, 0)
	m.Set(target)
	assert.Equal(t, target, m.Now())
}

func TestRealAdvances(t *testing.T) {
	r := Real{}
	a := r.Now()
	time.Sleep(time.Millisecond)
	b := r.Now()
	assert.True(t, b.After(a) || b.Equal(a))
}
