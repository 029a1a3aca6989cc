package config

// Normalize replaces zero values that would make a device unusable with
// their defaults.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	def := Default()

	setString(&cfg.Device.Variant, def.Device.Variant)
	setInt(&cfg.Device.Baud, def.Device.Baud)

	setInt(&cfg.Bed.Width, def.Bed.Width)
	setInt(&cfg.Bed.Height, def.Bed.Height)
	setFloat(&cfg.Bed.MMPerPixel, def.Bed.MMPerPixel)

	t, dt := &cfg.Timeouts, def.Timeouts
	setInt(&t.ConnectMs, dt.ConnectMs)
	setInt(&t.FanMs, dt.FanMs)
	setInt(&t.HomeMs, dt.HomeMs)
	setInt(&t.CenterMs, dt.CenterMs)
	setInt(&t.LineMs, dt.LineMs)
	setInt(&t.CommandMs, dt.CommandMs)
	setInt(&t.StartMs, dt.StartMs)
	setInt(&t.MoveMinMs, dt.MoveMinMs)
	setFloat(&t.MoveNearMs, dt.MoveNearMs)
	setFloat(&t.MoveFarMs, dt.MoveFarMs)
	setFloat(&t.MoveFarFrom, dt.MoveFarFrom)

	// settle delays and the simulator delay may be zero on purpose

	setFloat(&cfg.Grbl.MaxFeed, def.Grbl.MaxFeed)

	setString(&cfg.HTTP.Addr, def.HTTP.Addr)
}

func setString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}
