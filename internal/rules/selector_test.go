package rules

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/imewatch/internal/model"
)

func testSet(t *testing.T) *Set {
	t.Helper()
	set, errs := Compile([]model.Rule{
		{ID: "always", Pattern: "a", Category: "Always", Enabled: true},
		{ID: "cur", Pattern: "c", Category: "CurrentPhase", Enabled: true},
		{ID: "other", Pattern: "o", Category: "OtherPhases", Enabled: true},
	})
	require.Empty(t, errs)
	return set
}

func activeIDs(s *Selector) []string {
	var out []string
	for _, m := range s.Active() {
		out = append(out, m.ID)
	}
	return out
}

func TestSelector_SelectsByFlag(t *testing.T) {
	s := NewSelector()
	s.Publish(testSet(t))

	assert.False(t, s.Select(true, true), "first selection is not a change")
	assert.Equal(t, []string{"always", "cur"}, activeIDs(s))

	assert.False(t, s.Select(true, false))
	assert.True(t, s.Select(false, false))
	assert.Equal(t, []string{"always", "other"}, activeIDs(s))
	assert.False(t, s.IsCurrent())

	// forced reselect with the same flag is not a change
	assert.False(t, s.Select(false, true))
}

func TestSelector_PublishSwapsActiveSet(t *testing.T) {
	s := NewSelector()
	s.Select(true, true)
	assert.Empty(t, s.Active())

	v1 := s.Publish(testSet(t))
	assert.Equal(t, []string{"always", "cur"}, activeIDs(s))

	next, _ := Compile([]model.Rule{{ID: "only", Pattern: "x", Category: "CurrentPhase", Enabled: true}})
	v2 := s.Publish(next)
	assert.Greater(t, v2, v1)
	assert.Equal(t, []string{"only"}, activeIDs(s))
	assert.Equal(t, v2, s.Current().Version)
}

func TestSelector_ConcurrentPublish(t *testing.T) {
	s := NewSelector()
	s.Select(true, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				set, _ := Compile([]model.Rule{
					{ID: "always", Pattern: "a", Category: "Always", Enabled: true},
					{ID: "cur", Pattern: "c", Category: "CurrentPhase", Enabled: true},
				})
				s.Publish(set)
			}
		}()
	}
	for i := 0; i < 200; i++ {
		active := s.Active()
		assert.True(t, len(active) == 0 || len(active) == 2)
	}
	wg.Wait()
	assert.Equal(t, 2, s.Current().Len())
	assert.Len(t, s.Active(), 2)
}

func TestSelector_ConcurrentPublishKeepsNewestVersion(t *testing.T) {
	s := NewSelector()

	const writers, each = 8, 100
	var mu sync.Mutex
	var highest uint64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				v := s.Publish(&Set{})
				mu.Lock()
				if v > highest {
					highest = v
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(writers*each), highest)
	assert.Equal(t, highest, s.Current().Version)
}
