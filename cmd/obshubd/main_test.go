package main

import (
	"testing"

	"github.com/xtxerr/obshub/internal/errors"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid config", errors.Wrap(errors.ErrInvalidConfig, "load"), exitStartup},
		{"missing field", errors.NewMissingField("storages.name"), exitStartup},
		{
			"backend instantiation",
			errors.Wrapf(errors.Join(errors.ErrInstantiation, errors.New("disk full")), "start stream storage db"),
			exitStartup,
		},
		{"timeout", errors.NewTimeout("stream storages to stop"), exitFailure},
		{"other", errors.New("boom"), exitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
