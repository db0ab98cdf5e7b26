// ABOUTME: Tests for token cost estimators
// ABOUTME: Verifies purity, rounding, and turn cost accounting

package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimator_Count(t *testing.T) {
	e := Estimator{}

	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, 1, e.Count("a"))
	assert.Equal(t, 1, e.Count("abcd"))
	assert.Equal(t, 2, e.Count("abcde"))
	assert.Equal(t, 25, e.Count(string(make([]byte, 100))))
}

func TestEstimator_CountIsPure(t *testing.T) {
	e := Estimator{}
	first := e.Count("the same input")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Count("the same input"))
	}
}

func TestWordEstimator_Count(t *testing.T) {
	e := WordEstimator{}

	assert.Equal(t, 0, e.Count(""))
	assert.Equal(t, 0, e.Count("   \n\t"))
	assert.Equal(t, 2, e.Count("hello"))
	assert.Equal(t, 6, e.Count("one  two\nthree"))
}

func TestTurnCost_IncludesRole(t *testing.T) {
	e := Estimator{}
	// "user: hi" is 8 chars -> 2 tokens; content alone would be 1.
	assert.Equal(t, 2, TurnCost(e, "user", "hi"))
	assert.Greater(t, TurnCost(e, "assistant", "hi"), e.Count("hi"))
}
