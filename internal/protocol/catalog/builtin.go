package catalog

// Standard VISCA ranges for PTZ cameras with Sony-compatible command sets.
const (
	PanSpeedMax  = 0x18
	TiltSpeedMax = 0x14
	ZoomSpeedMax = 0x07

	PanMin  = -2448
	PanMax  = 2448
	TiltMin = -432
	TiltMax = 1296

	ZoomPositionMax  = 0x4000
	FocusPositionMin = 0x1000
	FocusPositionMax = 0xC000
	PresetMax        = 0x59

	defaultPanSpeed  = 0x0C
	defaultTiltSpeed = 0x0A
)

var (
	onOff = map[string]int{"on": 0x02, "off": 0x03}
	power = map[string]int{"on": 0x02, "standby": 0x03}

	focusModes = map[string]int{"auto": 0x02, "manual": 0x03}

	exposureModes = map[string]int{
		"auto":    0x00,
		"manual":  0x03,
		"shutter": 0x0A,
		"iris":    0x0B,
		"bright":  0x0D,
	}

	whiteBalanceModes = map[string]int{
		"auto":              0x00,
		"indoor":            0x01,
		"outdoor":           0x02,
		"one_push":          0x03,
		"atw":               0x04,
		"manual":            0x05,
		"color_temperature": 0x20,
	}

	blackWhite  = map[string]int{"off": 0x00, "on": 0x04}
	antiFlicker = map[string]int{"off": 0x00, "50hz": 0x01, "60hz": 0x02}
	focusZones  = map[string]int{"top": 0x00, "center": 0x01, "bottom": 0x02, "all": 0x03}
	limitCorner = map[string]int{"down_left": 0x00, "up_right": 0x01}

	panDirections  = map[string]int{"left": 0x01, "right": 0x02, "stop": 0x03}
	tiltDirections = map[string]int{"up": 0x01, "down": 0x02, "stop": 0x03}
)

type driveDirection struct {
	name string
	pan  byte
	tilt byte
}

var driveDirections = []driveDirection{
	{name: "up", pan: 0x03, tilt: 0x01},
	{name: "down", pan: 0x03, tilt: 0x02},
	{name: "left", pan: 0x01, tilt: 0x03},
	{name: "right", pan: 0x02, tilt: 0x03},
	{name: "up_left", pan: 0x01, tilt: 0x01},
	{name: "up_right", pan: 0x02, tilt: 0x01},
	{name: "down_left", pan: 0x01, tilt: 0x02},
	{name: "down_right", pan: 0x02, tilt: 0x02},
	{name: "stop", pan: 0x03, tilt: 0x03},
}

func panSpeed(at int, optional bool) Param {
	return Param{Name: "pan_speed", Doc: "pan speed 0x01..0x18", Min: 0x01, Max: PanSpeedMax, At: at, Optional: optional, Default: defaultPanSpeed}
}

func tiltSpeed(at int, optional bool) Param {
	return Param{Name: "tilt_speed", Doc: "tilt speed 0x01..0x14", Min: 0x01, Max: TiltSpeedMax, At: at, Optional: optional, Default: defaultTiltSpeed}
}

func nibbles(name string, at, width, lo, hi int) Param {
	return Param{Name: name, Min: lo, Max: hi, Encoding: EncodeNibbles, Width: width, At: at}
}

func choice(name string, at int, values map[string]int) Param {
	return Param{Name: name, At: at, Values: values}
}

func fixed(name, desc string, template ...byte) Operation {
	return Operation{Name: name, Description: desc, Template: template}
}

func direct(name, desc string, category, item byte, width, lo, hi int) Operation {
	template := []byte{0x01, category, item, 0x00, 0x00, 0x00, 0x00}
	return Operation{
		Name:        name,
		Description: desc,
		Template:    template,
		Params:      []Param{nibbles("value", len(template)-width, width, lo, hi)},
	}
}

func toggle(name, desc string, item byte, values map[string]int) Operation {
	return Operation{
		Name:        name,
		Description: desc,
		Template:    []byte{0x01, 0x04, item, 0x00},
		Params:      []Param{choice("state", 3, values)},
	}
}

func variable(name, desc string, item, base byte) Operation {
	return Operation{
		Name:        name,
		Description: desc,
		Template:    []byte{0x01, 0x04, item, base},
		Params: []Param{{
			Name: "speed", Doc: "0 (slow)..7 (fast)", Max: ZoomSpeedMax, Encoding: EncodeLowNibble, At: 3,
		}},
	}
}

// stepped expands the reset/up/down trio shared by the exposure and image
// adjustments.
func stepped(family, what string, item byte) []Operation {
	return []Operation{
		fixed(family+"_reset", "reset "+what, 0x01, 0x04, item, 0x00),
		fixed(family+"_up", "step "+what+" up", 0x01, 0x04, item, 0x02),
		fixed(family+"_down", "step "+what+" down", 0x01, 0x04, item, 0x03),
	}
}

func inquiry(name, desc string, template []byte, dataLen int, fields ...Param) Operation {
	return Operation{
		Name:        name,
		Description: desc,
		Class:       ClassInquiry,
		Template:    template,
		DataLen:     dataLen,
		Fields:      fields,
	}
}

func builtinOperations() []Operation {
	ops := []Operation{
		{
			Name:        "pan_tilt_drive",
			Description: "drive pan/tilt in a direction at a speed",
			Template:    []byte{0x01, 0x06, 0x01, 0x00, 0x00, 0x00, 0x00},
			Params: []Param{
				panSpeed(3, false),
				tiltSpeed(4, false),
				choice("pan_dir", 5, panDirections),
				choice("tilt_dir", 6, tiltDirections),
			},
		},
		fixed("pan_tilt_home", "return pan/tilt to home", 0x01, 0x06, 0x04),
		fixed("pan_tilt_reset", "recalibrate pan/tilt", 0x01, 0x06, 0x05),
		{
			Name:        "pan_tilt_limit_set",
			Description: "set the down-left or up-right pan/tilt limit",
			Template:    []byte{0x01, 0x06, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			Params: []Param{
				choice("corner", 4, limitCorner),
				{Name: "pan", Min: PanMin, Max: PanMax, Signed: true, Encoding: EncodeNibbles, Width: 4, At: 5},
				{Name: "tilt", Min: TiltMin, Max: TiltMax, Signed: true, Encoding: EncodeNibbles, Width: 4, At: 9},
			},
		},
		{
			Name:        "pan_tilt_limit_clear",
			Description: "clear the down-left or up-right pan/tilt limit",
			Template:    []byte{0x01, 0x06, 0x07, 0x01, 0x00, 0x07, 0x0F, 0x0F, 0x0F, 0x07, 0x0F, 0x0F, 0x0F},
			Params:      []Param{choice("corner", 4, limitCorner)},
		},
		{
			Name:        "pan_tilt_absolute",
			Description: "move to an absolute pan/tilt position (16-bit two's complement)",
			Template:    []byte{0x01, 0x06, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			Params: []Param{
				panSpeed(3, true),
				tiltSpeed(4, true),
				{Name: "pan", Min: PanMin, Max: PanMax, Signed: true, Encoding: EncodeNibbles, Width: 4, At: 5},
				{Name: "tilt", Min: TiltMin, Max: TiltMax, Signed: true, Encoding: EncodeNibbles, Width: 4, At: 9},
			},
		},
		{
			Name:        "pan_tilt_relative",
			Description: "move relative to the current pan/tilt position",
			Template:    []byte{0x01, 0x06, 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			Params: []Param{
				panSpeed(3, true),
				tiltSpeed(4, true),
				{Name: "pan", Min: PanMin - PanMax, Max: PanMax - PanMin, Signed: true, Encoding: EncodeNibbles, Width: 4, At: 5},
				{Name: "tilt", Min: TiltMin - TiltMax, Max: TiltMax - TiltMin, Signed: true, Encoding: EncodeNibbles, Width: 4, At: 9},
			},
		},

		fixed("zoom_stop", "stop zoom", 0x01, 0x04, 0x07, 0x00),
		fixed("zoom_tele", "zoom in at standard speed", 0x01, 0x04, 0x07, 0x02),
		fixed("zoom_wide", "zoom out at standard speed", 0x01, 0x04, 0x07, 0x03),
		variable("zoom_tele_variable", "zoom in at speed 0..7", 0x07, 0x20),
		variable("zoom_wide_variable", "zoom out at speed 0..7", 0x07, 0x30),
		{
			Name:        "zoom_direct",
			Description: "move zoom to an absolute position",
			Template:    []byte{0x01, 0x04, 0x47, 0x00, 0x00, 0x00, 0x00},
			Params:      []Param{nibbles("position", 3, 4, 0, ZoomPositionMax)},
		},

		fixed("focus_stop", "stop focus", 0x01, 0x04, 0x08, 0x00),
		fixed("focus_far", "focus far at standard speed", 0x01, 0x04, 0x08, 0x02),
		fixed("focus_near", "focus near at standard speed", 0x01, 0x04, 0x08, 0x03),
		variable("focus_far_variable", "focus far at speed 0..7", 0x08, 0x20),
		variable("focus_near_variable", "focus near at speed 0..7", 0x08, 0x30),
		{
			Name:        "focus_direct",
			Description: "move focus to an absolute position",
			Template:    []byte{0x01, 0x04, 0x48, 0x00, 0x00, 0x00, 0x00},
			Params:      []Param{nibbles("position", 3, 4, FocusPositionMin, FocusPositionMax)},
		},
		fixed("focus_auto", "auto focus", 0x01, 0x04, 0x38, 0x02),
		fixed("focus_manual", "manual focus", 0x01, 0x04, 0x38, 0x03),
		fixed("focus_toggle", "toggle auto/manual focus", 0x01, 0x04, 0x38, 0x10),
		fixed("focus_one_push", "one-push auto focus trigger", 0x01, 0x04, 0x18, 0x01),
		fixed("focus_infinity", "focus to infinity", 0x01, 0x04, 0x18, 0x02),
		fixed("focus_recalibrate", "recalibrate the focus motor", 0x0A, 0x01, 0x03, 0x12),
		{
			Name:        "focus_lock",
			Description: "lock or unlock focus",
			Template:    []byte{0x0A, 0x04, 0x68, 0x00},
			Params:      []Param{choice("state", 3, onOff)},
		},
		{
			Name:        "focus_zone",
			Description: "select the auto focus zone",
			Template:    []byte{0x01, 0x04, 0xAA, 0x00},
			Params:      []Param{choice("zone", 3, focusZones)},
		},
		{
			Name:        "focus_range",
			Description: "set the auto focus range (vendor extension)",
			Template:    []byte{0x0A, 0x11, 0x42, 0x00, 0x00, 0x00},
			Params: []Param{
				{Name: "range", Max: 0x0F, At: 3},
				{Name: "near", Max: 0x0F, At: 4},
				{Name: "far", Max: 0x0F, At: 5},
			},
		},

		{
			Name:        "exposure_mode",
			Description: "select the exposure mode",
			Template:    []byte{0x01, 0x04, 0x39, 0x00},
			Params:      []Param{choice("mode", 3, exposureModes)},
		},
		toggle("exposure_comp", "exposure compensation on/off", 0x3E, onOff),
		{
			Name:        "exposure_comp_direct",
			Description: "set exposure compensation -7..+7",
			Template:    []byte{0x01, 0x04, 0x4E, 0x00, 0x00, 0x00, 0x00},
			Params: []Param{{
				Name: "value", Doc: "wire = value + 7 (0x0..0xE)",
				Min: -7, Max: 7, Offset: 7, Encoding: EncodeNibbles, Width: 2, At: 5,
			}},
		},
		direct("iris_direct", "set iris position", 0x04, 0x4B, 2, 0x00, 0x11),
		direct("wdr_direct", "set wide dynamic range level", 0x04, 0x51, 2, 0x00, 0x06),
		direct("drc_direct", "set dynamic range control level", 0x04, 0x25, 1, 0x00, 0x0E),
		{
			Name:        "gain_limit",
			Description: "cap auto exposure gain",
			Template:    []byte{0x01, 0x04, 0x2C, 0x00},
			Params:      []Param{{Name: "value", Min: 0x04, Max: 0x0F, At: 3}},
		},
		toggle("anti_flicker", "anti-flicker off, 50Hz or 60Hz", 0x23, antiFlicker),
		direct("shutter_direct", "set shutter position", 0x04, 0x4A, 2, 0x00, 0x15),
		direct("gain_direct", "set gain position", 0x04, 0x4C, 2, 0x00, 0x0F),
		direct("bright_direct", "set bright position", 0x04, 0x4D, 2, 0x00, 0x1F),
		toggle("backlight", "backlight compensation on/off", 0x33, onOff),

		{
			Name:        "white_balance_mode",
			Description: "select the white balance mode",
			Template:    []byte{0x01, 0x04, 0x35, 0x00},
			Params:      []Param{choice("mode", 3, whiteBalanceModes)},
		},
		fixed("white_balance_trigger", "one-push white balance trigger", 0x01, 0x04, 0x10, 0x05),
		direct("red_gain_direct", "set red gain", 0x04, 0x43, 2, 0x00, 0xFF),
		direct("blue_gain_direct", "set blue gain", 0x04, 0x44, 2, 0x00, 0xFF),
		direct("saturation_direct", "set color saturation", 0x04, 0x49, 1, 0x00, 0x0E),
		direct("hue_direct", "set color hue", 0x04, 0x4F, 1, 0x00, 0x0E),

		direct("luminance_direct", "set image luminance", 0x04, 0xA1, 1, 0x00, 0x0E),
		direct("contrast_direct", "set image contrast", 0x04, 0xA2, 1, 0x00, 0x0E),
		direct("sharpness_direct", "set image sharpness", 0x04, 0x42, 2, 0x00, 0x0B),
		toggle("flip_horizontal", "mirror image horizontally", 0x61, onOff),
		toggle("flip_vertical", "flip image vertically", 0x66, onOff),
		toggle("image_flip", "rotate image 180 degrees", 0xA4, onOff),
		toggle("black_white", "black and white picture effect", 0x63, blackWhite),

		{
			Name:        "preset_reset",
			Description: "clear a preset",
			Template:    []byte{0x01, 0x04, 0x3F, 0x00, 0x00},
			Params:      []Param{{Name: "preset", Max: PresetMax, At: 4}},
		},
		{
			Name:        "preset_set",
			Description: "store the current position in a preset",
			Template:    []byte{0x01, 0x04, 0x3F, 0x01, 0x00},
			Params:      []Param{{Name: "preset", Max: PresetMax, At: 4}},
		},
		{
			Name:        "preset_recall",
			Description: "recall a preset",
			Template:    []byte{0x01, 0x04, 0x3F, 0x02, 0x00},
			Params:      []Param{{Name: "preset", Max: PresetMax, At: 4}},
		},

		{
			Name:        "preset_speed",
			Description: "set the preset recall speed",
			Template:    []byte{0x01, 0x06, 0x01, 0x00},
			Params:      []Param{{Name: "speed", Min: 0x01, Max: PanSpeedMax, At: 3}},
		},

		toggle("power", "power on or standby", 0x00, power),
		fixed("if_clear", "clear the camera command buffers", 0x01, 0x00, 0x01),

		inquiry("pan_tilt_position", "current pan/tilt position", []byte{0x09, 0x06, 0x12}, 8,
			Param{Name: "pan", Signed: true, Encoding: EncodeNibbles, Width: 4, At: 0},
			Param{Name: "tilt", Signed: true, Encoding: EncodeNibbles, Width: 4, At: 4},
		),
		inquiry("zoom_position", "current zoom position", []byte{0x09, 0x04, 0x47}, 4,
			Param{Name: "position", Encoding: EncodeNibbles, Width: 4}),
		inquiry("focus_position", "current focus position", []byte{0x09, 0x04, 0x48}, 4,
			Param{Name: "position", Encoding: EncodeNibbles, Width: 4}),
		inquiry("focus_mode", "auto or manual focus", []byte{0x09, 0x04, 0x38}, 1,
			Param{Name: "mode", Values: focusModes}),
		inquiry("exposure_mode", "current exposure mode", []byte{0x09, 0x04, 0x39}, 1,
			Param{Name: "mode", Values: exposureModes}),
		inquiry("white_balance_mode", "current white balance mode", []byte{0x09, 0x04, 0x35}, 1,
			Param{Name: "mode", Values: whiteBalanceModes}),
		inquiry("luminance", "image luminance", []byte{0x09, 0x04, 0xA1}, 4,
			Param{Name: "value", Encoding: EncodeNibbles, Width: 2, At: 2}),
		inquiry("contrast", "image contrast", []byte{0x09, 0x04, 0xA2}, 4,
			Param{Name: "value", Encoding: EncodeNibbles, Width: 2, At: 2}),
		inquiry("exposure_comp", "exposure compensation -7..+7", []byte{0x09, 0x04, 0x4E}, 4,
			Param{Name: "value", Offset: 7, Encoding: EncodeNibbles, Width: 2, At: 2}),
		inquiry("gain", "gain position", []byte{0x09, 0x04, 0x4C}, 4,
			Param{Name: "value", Encoding: EncodeNibbles, Width: 2, At: 2}),
		inquiry("power", "power state", []byte{0x09, 0x04, 0x00}, 1,
			Param{Name: "state", Values: power}),
		inquiry("backlight", "backlight compensation state", []byte{0x09, 0x04, 0x33}, 1,
			Param{Name: "state", Values: onOff}),
	}

	ops = append(ops, stepped("iris", "iris", 0x0B)...)
	ops = append(ops, stepped("shutter", "shutter speed", 0x0A)...)
	ops = append(ops, stepped("gain", "gain", 0x0C)...)
	ops = append(ops, stepped("bright", "brightness", 0x0D)...)
	ops = append(ops, stepped("exposure_comp", "exposure compensation", 0x0E)...)
	ops = append(ops, stepped("sharpness", "sharpness", 0x02)...)
	ops = append(ops, stepped("wdr", "wide dynamic range", 0x21)...)

	for _, d := range driveDirections {
		ops = append(ops, Operation{
			Name:        "pan_tilt_" + d.name,
			Description: "drive pan/tilt " + d.name,
			Template:    []byte{0x01, 0x06, 0x01, 0x00, 0x00, d.pan, d.tilt},
			Params:      []Param{panSpeed(3, true), tiltSpeed(4, true)},
		})
	}
	return ops
}
