package engraver

import "fmt"

// Variant names a Device implementation.
type Variant int

const (
	Hardware Variant = iota
	Grbl
	Simulator
)

var variantNames = [...]string{
	Hardware:  "hardware",
	Grbl:      "grbl",
	Simulator: "simulator",
}

func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return "unknown"
	}
	return variantNames[v]
}

// ParseVariant accepts a variant name or one of the short forms hw and sim.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "hw":
		return Hardware, nil
	case "sim":
		return Simulator, nil
	}
	for i, name := range variantNames {
		if name == s {
			return Variant(i), nil
		}
	}
	return 0, fmt.Errorf("unknown device variant %q", s)
}

func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	p, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = p
	return nil
}
