package config

import (
	"fmt"

	"github.com/jinzhu/copier"
)

// Color is an RGBA color quad.
type Color [4]uint8

// LayoutConfig holds the fixed pixel/line measurements the renderer
// uses to lay out the viewport. The engine itself only reads
// CharAdvanceRatio, since every coordinate it computes is expressed in
// font-height units; the rest is carried through for the renderer.
type LayoutConfig struct {
	FontHeight          float32 `json:"font_height"`
	LinenumPad          float32 `json:"linenum_pad"`
	LeftBar             float32 `json:"left_bar"`
	ScrollbarWidth      float32 `json:"scrollbar_width"`
	ScrollHandleMinSize float32 `json:"scrollhandle_min_size"`
	CursorWidth         float32 `json:"cursor_width"`
	// CharAdvanceRatio is a monospaced character's horizontal advance as
	// a fraction of FontHeight, handed straight to CharLayout.
	CharAdvanceRatio float64 `json:"char_advance_ratio"`
}

// ColorsConfig holds every themeable color quad.
type ColorsConfig struct {
	LineNumbers       Color `json:"line_numbers"`
	Text              Color `json:"text"`
	Background        Color `json:"background"`
	Scrollbar         Color `json:"scrollbar"`
	ScrollHandle      Color `json:"scroll_handle"`
	SelectionFg       Color `json:"selection_fg"`
	SelectionBg       Color `json:"selection_bg"`
	Cursor            Color `json:"cursor"`
	TabFgActive       Color `json:"tab_fg_active"`
	TabFgInactive     Color `json:"tab_fg_inactive"`
	TabBackground     Color `json:"tab_background"`
	ScrollCorner      Color `json:"scroll_corner"`
}

// LoaderConfig holds every policy constant the background loader reads
// to decide how much to fetch, how aggressively to evict, and how
// often to yield the shared lock.
type LoaderConfig struct {
	ReadSize                 int `json:"read_size"`
	LoadRadius               int `json:"load_radius"`
	MaxLoadedBytes           int `json:"max_loaded_bytes"`
	MergeBatchSize           int `json:"merge_batch_size"`
	MigrateBatchSize         int `json:"migrate_batch_size"`
	ReallocThreshold         int `json:"realloc_threshold"`
	BytesPerAnchorMemBudget  int `json:"bytes_per_anchor_memory_budget"`
}

// DragBinding binds a pointer button to a drag kind, optionally
// requiring a modifier to be held.
type DragBinding struct {
	Button string `json:"button"`
	Hold   string `json:"hold,omitempty"`
}

// UIConfig holds input bindings and scroll-feel toggles that the
// engine never reads directly but that live alongside it in the same
// configuration file.
type UIConfig struct {
	DragSelect      DragBinding `json:"drag_select"`
	DragScrollbar   bool        `json:"drag_scrollbar"`
	InvertWheelX    bool        `json:"invert_wheel_x"`
	InvertWheelY    bool        `json:"invert_wheel_y"`
	SlideDeadArea   float64     `json:"slide_dead_area"`
	SlideBaseDist   float64     `json:"slide_base_dist"`
	SlideDoubleDist float64     `json:"slide_double_dist"`
	SlideSpeed      float64     `json:"slide_speed"`
	SelectionOffset float64     `json:"selection_offset"`
}

// LogConfig controls both log rotation (ambient) and the fine-grained
// tracing toggles. LogSegmentLoad and LogMemRelease gate structured log
// lines in the loader and sparse cache (domain-specific; these do not
// change the global log level, only whether a given call site emits a
// line). LogFrameTiming is parsed but no call site reads it.
type LogConfig struct {
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
	Level      string `json:"level"`

	LogSegmentLoad bool `json:"log_segment_load"`
	LogFrameTiming bool `json:"log_frame_timing"`
	LogMemRelease  bool `json:"log_mem_release"`
}

// Config is the complete, on-disk configuration for gaze.
type Config struct {
	Layout LayoutConfig `json:"layout"`
	Colors ColorsConfig `json:"colors"`
	Loader LoaderConfig `json:"loader"`
	UI     UIConfig     `json:"ui"`
	Log    LogConfig    `json:"log"`
}

// Default returns the built-in configuration used when no config file
// is present on disk yet.
func Default() *Config {
	return &Config{
		Layout: LayoutConfig{
			FontHeight:          18,
			LinenumPad:          8,
			LeftBar:             2,
			ScrollbarWidth:      14,
			ScrollHandleMinSize: 24,
			CursorWidth:         2,
			CharAdvanceRatio:    0.55,
		},
		Colors: ColorsConfig{
			LineNumbers:   Color{120, 120, 120, 255},
			Text:          Color{220, 220, 220, 255},
			Background:    Color{30, 30, 30, 255},
			Scrollbar:     Color{50, 50, 50, 255},
			ScrollHandle:  Color{90, 90, 90, 255},
			SelectionFg:   Color{255, 255, 255, 255},
			SelectionBg:   Color{60, 90, 140, 255},
			Cursor:        Color{255, 255, 255, 255},
			TabFgActive:   Color{255, 255, 255, 255},
			TabFgInactive: Color{150, 150, 150, 255},
			TabBackground: Color{45, 45, 45, 255},
			ScrollCorner:  Color{40, 40, 40, 255},
		},
		Loader: LoaderConfig{
			ReadSize:                64 * 1024,
			LoadRadius:              256 * 1024,
			MaxLoadedBytes:          64 * 1024 * 1024,
			MergeBatchSize:          32 * 1024,
			MigrateBatchSize:        1024,
			ReallocThreshold:        1024 * 1024,
			BytesPerAnchorMemBudget: 8 * 1024 * 1024,
		},
		UI: UIConfig{
			DragSelect:      DragBinding{Button: "left"},
			DragScrollbar:   true,
			SlideDeadArea:   4,
			SlideBaseDist:   40,
			SlideDoubleDist: 120,
			SlideSpeed:      1,
			SelectionOffset: 0,
		},
		Log: LogConfig{
			File:       "gaze.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			Level:      "info",
		},
	}
}

// DeepCopy returns an independent copy of c, so callers (e.g. a change
// callback receiving the "old" config) never observe a mutation racing
// with the live config.
func (c *Config) DeepCopy() *Config {
	var dup Config
	if err := copier.CopyWithOption(&dup, c, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on type mismatches between source and
		// destination, which cannot happen when copying Config onto
		// itself.
		panic(fmt.Sprintf("config: deep copy failed: %v", err))
	}
	return &dup
}

// Validate rejects configurations that would make the loader or line
// mapper misbehave (zero batch sizes would spin the merge loop
// forever; a non-positive font height breaks every coordinate
// computation).
func (c *Config) Validate() error {
	if c.Layout.FontHeight <= 0 {
		return fmt.Errorf("layout.font_height must be positive")
	}
	if c.Layout.CharAdvanceRatio <= 0 {
		return fmt.Errorf("layout.char_advance_ratio must be positive")
	}
	if c.Loader.ReadSize <= 0 {
		return fmt.Errorf("loader.read_size must be positive")
	}
	if c.Loader.LoadRadius < 0 {
		return fmt.Errorf("loader.load_radius must be non-negative")
	}
	if c.Loader.MaxLoadedBytes <= 0 {
		return fmt.Errorf("loader.max_loaded_bytes must be positive")
	}
	if c.Loader.MergeBatchSize <= 0 {
		return fmt.Errorf("loader.merge_batch_size must be positive")
	}
	if c.Loader.MigrateBatchSize <= 0 {
		return fmt.Errorf("loader.migrate_batch_size must be positive")
	}
	if c.Loader.ReallocThreshold <= 0 {
		return fmt.Errorf("loader.realloc_threshold must be positive")
	}
	if c.Loader.BytesPerAnchorMemBudget <= 0 {
		return fmt.Errorf("loader.bytes_per_anchor_memory_budget must be positive")
	}
	return nil
}
