package compiler

// Policy defines resource limits for containerised compilation.
type Policy struct {
	MaxMemory string   `mapstructure:"max_memory"` // Docker memory limit (e.g. "512m")
	Network   bool     `mapstructure:"network"`    // Whether network access is allowed
	Images    []string `mapstructure:"images"`     // Allowed Docker images
}

// DefaultPolicy returns safe defaults for compilation.
func DefaultPolicy() Policy {
	return Policy{
		MaxMemory: "512m",
		Network:   false,
		Images:    []string{"gcc:13", "gcc:14"},
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}
