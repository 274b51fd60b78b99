package config

import (
	"fmt"
	"strings"
	"time"
)

// Summary returns a human-readable summary of the effective settings.
func (c *Config) Summary() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Stream Storage %s\n", orDash(c.Name))
	b.WriteString("=====================\n\n")

	backend, dsn := "-", "-"
	if c.Storage != nil {
		backend = orDash(c.Storage.Kind)
		dsn = orDash(c.Storage.DSN)
	}

	fmt.Fprintf(&b, "Data source:       %s\n", orDash(c.DataSourceID))
	fmt.Fprintf(&b, "Backend:           %s (%s)\n", backend, dsn)
	fmt.Fprintf(&b, "Excluded outputs:  %s\n", orDash(strings.Join(c.ExcludedOutputs, ", ")))
	fmt.Fprintf(&b, "Process events:    %t\n", c.ProcessEvents)
	fmt.Fprintf(&b, "Commit period:     %s\n", formatDuration(c.MinCommitInterval()))
	fmt.Fprintf(&b, "Subscribe timeout: %s\n", formatDuration(c.SubscribeTimeout))

	if c.AutoPurgeEnabled() {
		fmt.Fprintf(&b, "Auto purge:        %s every %s, max age %s\n",
			c.AutoPurge.Policy,
			formatDuration(c.AutoPurge.Interval()),
			formatDuration(c.AutoPurge.MaxAge()))
	} else {
		b.WriteString("Auto purge:        disabled\n")
	}

	if acc := c.PercentileAccuracy(); acc > 0 {
		fmt.Fprintf(&b, "Lag percentiles:   %.1f%% accuracy\n", acc*100)
	} else {
		b.WriteString("Lag percentiles:   disabled\n")
	}

	return b.String()
}

// formatDuration formats d in the largest whole unit that fits.
func formatDuration(d time.Duration) string {
	const day = 24 * time.Hour

	switch {
	case d == 0:
		return "0s"
	case d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
