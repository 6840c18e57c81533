package config

import "fmt"

// menuItem binds a menu label to a parameter field with adjustment bounds.
type menuItem struct {
	label string
	get   func(*Config) int
	set   func(*Config, int)
	min   int
	max   int
}

var menuItems = []menuItem{
	{"PupilThreshold", func(c *Config) int { return c.Threshold }, func(c *Config, v int) { c.Threshold = v }, 1, 254},
	{"PurkinjeThreshold", func(c *Config) int { return c.PurkinjeThreshold }, func(c *Config, v int) { c.PurkinjeThreshold = v }, 1, 254},
	{"MinPupilWidth", func(c *Config) int { return c.MinPupilWidth }, func(c *Config, v int) { c.MinPupilWidth = v }, 1, 100},
	{"MaxPupilWidth", func(c *Config) int { return c.MaxPupilWidth }, func(c *Config, v int) { c.MaxPupilWidth = v }, 1, 100},
	{"PurkinjeSearchArea", func(c *Config) int { return c.PurkinjeSearchArea }, func(c *Config, v int) { c.PurkinjeSearchArea = v }, 1, 1000},
	{"PurkinjeExcludeArea", func(c *Config) int { return c.PurkinjeExcludeArea }, func(c *Config, v int) { c.PurkinjeExcludeArea = v }, 1, 1000},
	{"MorphologicalTrans", func(c *Config) int { return c.MorphTrans }, func(c *Config, v int) { c.MorphTrans = v }, -100, 100},
}

// Menu is the runtime parameter-adjustment cursor. Arrow-key commands from the
// control protocol move the cursor and nudge the selected parameter.
type Menu struct {
	cfg *Config
	pos int
}

// NewMenu returns a menu over cfg with the cursor on the first item.
func NewMenu(cfg *Config) *Menu {
	return &Menu{cfg: cfg}
}

// Up moves the cursor to the previous item, stopping at the top.
func (m *Menu) Up() {
	if m.pos > 0 {
		m.pos--
	}
}

// Down moves the cursor to the next item, stopping at the bottom.
func (m *Menu) Down() {
	if m.pos < len(menuItems)-1 {
		m.pos++
	}
}

// Left decrements the selected parameter within its bounds.
func (m *Menu) Left() { m.adjust(-1) }

// Right increments the selected parameter within its bounds.
func (m *Menu) Right() { m.adjust(+1) }

func (m *Menu) adjust(delta int) {
	it := menuItems[m.pos]
	v := it.get(m.cfg) + delta
	if v < it.min || v > it.max {
		return
	}
	it.set(m.cfg, v)
}

// Current returns the "Label (value)" string reported by getCurrMenu.
func (m *Menu) Current() string {
	it := menuItems[m.pos]
	return fmt.Sprintf("%s (%d)", it.label, it.get(m.cfg))
}
