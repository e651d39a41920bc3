package wireless

import (
	"testing"
)

type churn struct {
	ups, downs [][2]int
}

func (c *churn) hook(m *Model) {
	m.OnLinkUp = func(a, b int) { c.ups = append(c.ups, [2]int{a, b}) }
	m.OnLinkDown = func(a, b int) { c.downs = append(c.downs, [2]int{a, b}) }
}

func TestRangeScenario(t *testing.T) {
	m := NewModel(10, Config{Range: 150})
	var c churn
	c.hook(m)

	m.Join(1, 100, 100, 0)
	m.Join(2, 200, 100, 0)
	m.Join(3, 400, 100, 0)

	if !m.Linked(1, 2) {
		t.Errorf("n1-n2 at distance 100 should be linked")
	}
	if m.Linked(1, 3) || m.Linked(2, 3) {
		t.Errorf("n3 at distance >=200 should be unlinked")
	}
	if len(c.ups) != 1 || c.ups[0] != [2]int{1, 2} {
		t.Errorf("ups = %v, want [[1 2]]", c.ups)
	}

	// Move n3 to 50 from n2 and to exactly the range (150) from n1.
	m.Move(3, 250, 100, 0)
	if !m.Linked(2, 3) {
		t.Errorf("n2-n3 at distance 50 should be linked")
	}
	if !m.Linked(1, 3) {
		t.Errorf("n1-n3 at distance exactly 150 should be linked")
	}
}

func TestExactRangeIsLinked(t *testing.T) {
	m := NewModel(1, Config{Range: 150})
	m.Join(1, 0, 0, 0)
	m.Join(2, 150, 0, 0)
	if !m.Linked(1, 2) {
		t.Errorf("pair at exactly range should be linked (closed interval)")
	}
}

func TestEdgeTriggered(t *testing.T) {
	m := NewModel(1, Config{Range: 100})
	var c churn
	c.hook(m)

	m.Join(1, 0, 0, 0)
	m.Join(2, 50, 0, 0)
	// Repeated in-range moves emit no extra events.
	m.Move(2, 60, 0, 0)
	m.Move(2, 70, 0, 0)
	if len(c.ups) != 1 {
		t.Errorf("ups = %v, want one event", c.ups)
	}

	m.Move(2, 500, 0, 0)
	m.Move(2, 600, 0, 0)
	if len(c.downs) != 1 {
		t.Errorf("downs = %v, want one event", c.downs)
	}
}

func TestThreeDimensionalDistance(t *testing.T) {
	m := NewModel(1, Config{Range: 10})
	m.Join(1, 0, 0, 0)
	m.Join(2, 0, 0, 11)
	if m.Linked(1, 2) {
		t.Errorf("z separation beyond range should unlink")
	}
	m.Move(2, 0, 0, 10)
	if !m.Linked(1, 2) {
		t.Errorf("z separation at range should link")
	}
}

func TestSetConfigReevaluates(t *testing.T) {
	m := NewModel(1, Config{Range: 100})
	var c churn
	c.hook(m)

	m.Join(1, 0, 0, 0)
	m.Join(2, 150, 0, 0)
	if m.Linked(1, 2) {
		t.Fatalf("pair should start unlinked")
	}

	m.SetConfig(Config{Range: 200})
	if !m.Linked(1, 2) {
		t.Errorf("range increase should link the pair")
	}
	m.SetConfig(Config{Range: 50})
	if m.Linked(1, 2) {
		t.Errorf("range decrease should unlink the pair")
	}
	if len(c.ups) != 1 || len(c.downs) != 1 {
		t.Errorf("ups=%v downs=%v", c.ups, c.downs)
	}
}

func TestLeaveDropsLinks(t *testing.T) {
	m := NewModel(1, Config{Range: 100})
	var c churn
	c.hook(m)

	m.Join(1, 0, 0, 0)
	m.Join(2, 10, 0, 0)
	m.Leave(2)

	if len(c.downs) != 1 || c.downs[0] != [2]int{1, 2} {
		t.Errorf("downs = %v, want [[1 2]]", c.downs)
	}
	if m.Linked(1, 2) {
		t.Errorf("departed node still linked")
	}

	// A stale Move for the departed node is ignored.
	m.Move(2, 0, 0, 0)
	if m.Linked(1, 2) {
		t.Errorf("move of departed node re-linked pair")
	}
}

func TestSetLinkedOverride(t *testing.T) {
	m := NewModel(1, Config{Range: 100})
	var c churn
	c.hook(m)

	m.Join(1, 0, 0, 0)
	m.Join(2, 500, 0, 0)
	if m.Linked(1, 2) {
		t.Fatalf("pair should start unlinked")
	}

	m.SetLinked(1, 2, true)
	if !m.Linked(1, 2) {
		t.Errorf("forced link not applied")
	}
	m.SetLinked(1, 2, true) // no edge, no event
	if len(c.ups) != 1 {
		t.Errorf("ups = %v, want one event", c.ups)
	}

	// The next move re-evaluates against distance again.
	m.Move(2, 600, 0, 0)
	if m.Linked(1, 2) {
		t.Errorf("move did not re-evaluate forced link")
	}
}

func TestLinkStateMatchesDistanceInvariant(t *testing.T) {
	m := NewModel(1, Config{Range: 120})
	positions := map[int][3]float64{
		1: {0, 0, 0}, 2: {50, 50, 0}, 3: {300, 0, 0}, 4: {100, 100, 0},
	}
	for id, p := range positions {
		m.Join(id, p[0], p[1], p[2])
	}
	moves := [][4]float64{
		{2, 400, 400, 0}, {3, 10, 10, 0}, {4, 310, 0, 0}, {2, 20, 0, 0},
	}
	for _, mv := range moves {
		positions[int(mv[0])] = [3]float64{mv[1], mv[2], mv[3]}
		m.Move(int(mv[0]), mv[1], mv[2], mv[3])

		for a := 1; a <= 4; a++ {
			for b := a + 1; b <= 4; b++ {
				want := distance(positions[a], positions[b]) <= 120
				if got := m.Linked(a, b); got != want {
					t.Fatalf("after moving %d: linked(%d,%d)=%v, want %v", int(mv[0]), a, b, got, want)
				}
			}
		}
	}
}
