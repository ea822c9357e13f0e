package config

import "reflect"

// Diff reports which top-level sections differ between two configs. The
// section names match the YAML keys; used when logging hot reloads so
// operators can tell at a glance what a file edit touched.
func Diff(old, new *Config) []string {
	var changed []string
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, new.Server},
		{"bus", old.Bus, new.Bus},
		{"memory", old.Memory, new.Memory},
		{"music", old.Music, new.Music},
		{"timeline", old.Timeline, new.Timeline},
		{"dj", old.DJ, new.DJ},
		{"logging", old.Logging, new.Logging},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			changed = append(changed, s.name)
		}
	}
	return changed
}
