package config

// HasChanged returns true if the configuration has changed compared to
// another config. Fields are compared explicitly, without reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenAddress != b.ListenAddress ||
		a.MaxConnections != b.MaxConnections ||
		a.TimeoutSeconds != b.TimeoutSeconds ||
		a.ConnectTimeoutSeconds != b.ConnectTimeoutSeconds ||
		a.HeaderTimeoutSeconds != b.HeaderTimeoutSeconds {
		return true
	}
	if a.RateLimit != b.RateLimit {
		return true
	}
	if BlocklistChanged(&a.Blocklist, &b.Blocklist) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return false
}

// BlocklistChanged reports whether only the blocklist section differs. The
// caller uses this to decide between a hot pattern swap and a full restart.
func BlocklistChanged(a, b *BlocklistConfig) bool {
	if a.File != b.File {
		return true
	}
	if len(a.Patterns) != len(b.Patterns) {
		return true
	}
	for i := range a.Patterns {
		if a.Patterns[i] != b.Patterns[i] {
			return true
		}
	}
	return false
}
